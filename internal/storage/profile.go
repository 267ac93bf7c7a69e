package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Profile type tags.
const (
	TypeS3   = "s3"
	TypeADLS = "adls"
	TypeGCS  = "gcs"
)

// AccessKind is how a client reaches the data plane.
type AccessKind string

const (
	// AccessVendedCredentials returns short-term credentials to the client.
	AccessVendedCredentials AccessKind = "vended-credentials"
	// AccessRemoteSigning keeps credentials server-side; the client forwards
	// unsigned requests for signing. S3 only.
	AccessRemoteSigning AccessKind = "remote-signing"
)

// Profile is the tagged storage-profile variant stored on a warehouse.
type Profile struct {
	Type string `json:"type"`

	S3   *S3Profile   `json:"-"`
	ADLS *ADLSProfile `json:"-"`
	GCS  *GCSProfile  `json:"-"`
}

// S3Profile configures an S3 or S3-compatible warehouse.
type S3Profile struct {
	Bucket            string `json:"bucket"`
	KeyPrefix         string `json:"key-prefix,omitempty"`
	Region            string `json:"region"`
	Endpoint          string `json:"endpoint,omitempty"`
	PathStyleAccess   bool   `json:"path-style-access,omitempty"`
	AssumeRoleARN     string `json:"assume-role-arn,omitempty"`
	ExternalID        string `json:"external-id,omitempty"`
	STSEnabled        bool   `json:"sts-enabled"`
	STSSessionTags    bool   `json:"sts-session-tags,omitempty"`
	RemoteSigningOnly bool   `json:"remote-signing-only,omitempty"`
	Flavor            string `json:"flavor,omitempty"` // aws | s3-compat
}

// ADLSProfile configures an Azure Data Lake Gen2 warehouse.
type ADLSProfile struct {
	AccountName string `json:"account-name"`
	Filesystem  string `json:"filesystem"`
	KeyPrefix   string `json:"key-prefix,omitempty"`
	Host        string `json:"host,omitempty"` // default dfs.core.windows.net
	// SAS validity for vended credentials.
	SASTokenValiditySeconds int64 `json:"sas-token-validity-seconds,omitempty"`
}

// GCSProfile configures a Google Cloud Storage warehouse.
type GCSProfile struct {
	Bucket    string `json:"bucket"`
	KeyPrefix string `json:"key-prefix,omitempty"`
}

// profileEnvelope is the on-wire/in-store representation.
type profileEnvelope struct {
	Type string          `json:"type"`
	Rest json.RawMessage `json:"-"`
}

// MarshalJSON flattens the variant fields next to the type tag.
func (p *Profile) MarshalJSON() ([]byte, error) {
	var inner interface{}
	switch p.Type {
	case TypeS3:
		inner = p.S3
	case TypeADLS:
		inner = p.ADLS
	case TypeGCS:
		inner = p.GCS
	default:
		return nil, fmt.Errorf("unknown storage profile type %q", p.Type)
	}
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["type"], _ = json.Marshal(p.Type)
	return json.Marshal(m)
}

// UnmarshalJSON dispatches on the type tag.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var env profileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.Type = env.Type
	switch env.Type {
	case TypeS3:
		p.S3 = &S3Profile{}
		return json.Unmarshal(data, p.S3)
	case TypeADLS:
		p.ADLS = &ADLSProfile{}
		return json.Unmarshal(data, p.ADLS)
	case TypeGCS:
		p.GCS = &GCSProfile{}
		return json.Unmarshal(data, p.GCS)
	default:
		return fmt.Errorf("unknown storage profile type %q", env.Type)
	}
}

// BaseLocation computes the warehouse base location for the profile.
func (p *Profile) BaseLocation() (*Location, error) {
	switch p.Type {
	case TypeS3:
		return buildBase("s3", p.S3.Bucket, p.S3.KeyPrefix)
	case TypeADLS:
		host := p.ADLS.Host
		if host == "" {
			host = "dfs.core.windows.net"
		}
		// abfss://<filesystem>@<account>.<host>/<prefix>
		authority := fmt.Sprintf("%s@%s.%s", p.ADLS.Filesystem, p.ADLS.AccountName, host)
		return buildBase("abfss", authority, p.ADLS.KeyPrefix)
	case TypeGCS:
		return buildBase("gs", p.GCS.Bucket, p.GCS.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown storage profile type %q", p.Type)
	}
}

func buildBase(scheme, bucket, prefix string) (*Location, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	loc := &Location{Protocol: scheme, Bucket: bucket}
	for _, s := range strings.Split(prefix, "/") {
		if s != "" {
			loc.Path = append(loc.Path, s)
		}
	}
	return loc, nil
}

// TabularLocation allocates the canonical location for a new tabular:
// <base>/<tabular-uuid>.
func (p *Profile) TabularLocation(tabularID uuid.UUID) (*Location, error) {
	base, err := p.BaseLocation()
	if err != nil {
		return nil, err
	}
	return base.Child(tabularID.String()), nil
}

// Normalize validates the profile and applies defaults.
func (p *Profile) Normalize() error {
	switch p.Type {
	case TypeS3:
		if p.S3 == nil || p.S3.Bucket == "" {
			return fmt.Errorf("s3 profile requires a bucket")
		}
		if p.S3.Region == "" {
			return fmt.Errorf("s3 profile requires a region")
		}
		if p.S3.Flavor == "" {
			if p.S3.Endpoint != "" {
				p.S3.Flavor = "s3-compat"
			} else {
				p.S3.Flavor = "aws"
			}
		}
	case TypeADLS:
		if p.ADLS == nil || p.ADLS.AccountName == "" || p.ADLS.Filesystem == "" {
			return fmt.Errorf("adls profile requires account-name and filesystem")
		}
		if p.ADLS.SASTokenValiditySeconds == 0 {
			p.ADLS.SASTokenValiditySeconds = 3600
		}
	case TypeGCS:
		if p.GCS == nil || p.GCS.Bucket == "" {
			return fmt.Errorf("gcs profile requires a bucket")
		}
	default:
		return fmt.Errorf("unknown storage profile type %q", p.Type)
	}
	return nil
}

// SupportsAccess reports whether the profile can serve the given delegation
// mode.
func (p *Profile) SupportsAccess(kind AccessKind) bool {
	switch kind {
	case AccessRemoteSigning:
		return p.Type == TypeS3
	case AccessVendedCredentials:
		if p.Type == TypeS3 {
			return p.S3.STSEnabled && !p.S3.RemoteSigningOnly
		}
		return true
	default:
		return false
	}
}

// ResolveAccess picks the delegation mode for a request. When the client does
// not ask for a specific mode, vended credentials are preferred with a
// fallback to remote signing.
func (p *Profile) ResolveAccess(requested string) (AccessKind, error) {
	switch requested {
	case string(AccessVendedCredentials):
		if !p.SupportsAccess(AccessVendedCredentials) {
			return "", fmt.Errorf("profile cannot vend credentials")
		}
		return AccessVendedCredentials, nil
	case string(AccessRemoteSigning):
		if !p.SupportsAccess(AccessRemoteSigning) {
			return "", fmt.Errorf("profile does not support remote signing")
		}
		return AccessRemoteSigning, nil
	case "":
		if p.SupportsAccess(AccessVendedCredentials) {
			return AccessVendedCredentials, nil
		}
		if p.SupportsAccess(AccessRemoteSigning) {
			return AccessRemoteSigning, nil
		}
		return "", fmt.Errorf("profile permits no delegated access")
	default:
		return "", fmt.Errorf("unknown access delegation %q", requested)
	}
}

// Credential is the tagged storage-credential variant kept in the secrets
// store.
type Credential struct {
	Type string `json:"type"` // s3-access-key | az-client-credentials | gcs-service-account

	// S3.
	AccessKeyID     string `json:"access-key-id,omitempty"`
	SecretAccessKey string `json:"secret-access-key,omitempty"`

	// Azure service principal.
	ClientID     string `json:"client-id,omitempty"`
	ClientSecret string `json:"client-secret,omitempty"`
	TenantID     string `json:"tenant-id,omitempty"`

	// GCS service-account key JSON.
	ServiceAccountKey json.RawMessage `json:"service-account-key,omitempty"`
}

// VendedCredentials is the result of credential vending, expressed as
// Iceberg REST config properties plus an expiry for cache bounding.
type VendedCredentials struct {
	Config    map[string]string
	ExpiresAt time.Time
}

// CacheTTL returns half the remaining validity, capped at one hour, or zero
// once the credentials have expired. The broker uses it only to skip caching
// expired credentials; it does not bound how long a cached entry is served.
func (v *VendedCredentials) CacheTTL(now time.Time) time.Duration {
	remaining := v.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	ttl := remaining / 2
	if ttl > time.Hour {
		ttl = time.Hour
	}
	return ttl
}
