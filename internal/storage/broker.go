package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lakekeeper/lakekeeper-go/pkg/cache"
	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// ObjectStore is the minimal data-plane surface the catalog itself needs:
// writing metadata documents and maintenance listing/deletion. Data files
// are engine-owned and never touched beyond purge.
type ObjectStore interface {
	// PutIfAbsent writes an object, failing if the key already exists.
	PutIfAbsent(ctx context.Context, loc *Location, body []byte) error
	Get(ctx context.Context, loc *Location) ([]byte, error)
	// List returns all object locations under the prefix.
	List(ctx context.Context, prefix *Location) ([]*Location, error)
	Delete(ctx context.Context, locs []*Location) error
}

// credentialVendor produces scoped short-term credentials for one profile
// family.
type credentialVendor interface {
	vend(ctx context.Context, req *VendRequest) (*VendedCredentials, error)
	objectStore(ctx context.Context, profile *Profile, cred *Credential) (ObjectStore, error)
}

// VendRequest carries everything needed to downscope a credential.
type VendRequest struct {
	Profile  *Profile
	Cred     *Credential
	Location *Location
	Kind     AccessKind

	// Session-tag material.
	Subject     string
	WarehouseID uuid.UUID
	ProjectID   uuid.UUID
}

// Broker validates storage profiles, vends scoped credentials and performs
// the catalog's own object IO.
type Broker struct {
	logger   *logger.Logger
	stcCache *cache.Cache[string, *VendedCredentials]

	s3   credentialVendor
	adls credentialVendor
	gcs  credentialVendor
}

// NewBroker creates the broker with all profile families registered.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		logger:   log,
		stcCache: cache.New[string, *VendedCredentials]("short_term_credentials", 4096, time.Hour),
		s3:       &s3Vendor{logger: log.Named("s3")},
		adls:     &adlsVendor{logger: log.Named("adls")},
		gcs:      &gcsVendor{logger: log.Named("gcs")},
	}
}

func (b *Broker) vendor(profile *Profile) (credentialVendor, error) {
	switch profile.Type {
	case TypeS3:
		return b.s3, nil
	case TypeADLS:
		return b.adls, nil
	case TypeGCS:
		return b.gcs, nil
	default:
		return nil, fmt.Errorf("unknown storage profile type %q", profile.Type)
	}
}

// ObjectStore returns a data-plane client using the warehouse's own
// credential (not a vended one).
func (b *Broker) ObjectStore(ctx context.Context, profile *Profile, cred *Credential) (ObjectStore, error) {
	v, err := b.vendor(profile)
	if err != nil {
		return nil, err
	}
	return v.objectStore(ctx, profile, cred)
}

// VendCredentials produces least-privilege short-term credentials for the
// request, serving from cache while fresh. The cache key includes the
// warehouse version so profile changes fence out stale credentials. Cached
// entries live for the cache's fixed one-hour TTL and are served while more
// than a minute of their validity remains; there is no half-validity bound.
func (b *Broker) VendCredentials(ctx context.Context, req *VendRequest, warehouseVersion int64) (*VendedCredentials, error) {
	key := fmt.Sprintf("%s|%s|%s|%d", req.Location.String(), req.Subject, req.Kind, warehouseVersion)
	if creds, ok := b.stcCache.Get(key, cache.VersionAny); ok {
		if time.Until(creds.ExpiresAt) > time.Minute {
			return creds, nil
		}
		b.stcCache.Remove(key)
	}

	v, err := b.vendor(req.Profile)
	if err != nil {
		return nil, err
	}
	creds, err := v.vend(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to vend credentials: %w", err)
	}

	if ttl := creds.CacheTTL(time.Now()); ttl > 0 {
		b.stcCache.Put(key, creds, cache.VersionAny)
	}
	return creds, nil
}

// ValidateProfile probes the profile with a disposable write+list+delete and,
// when vending is enabled, checks that a downscoped credential can be minted
// for the probed prefix. The minted credential is not used against the store.
func (b *Broker) ValidateProfile(ctx context.Context, profile *Profile, cred *Credential) error {
	if err := profile.Normalize(); err != nil {
		return err
	}
	base, err := profile.BaseLocation()
	if err != nil {
		return err
	}

	store, err := b.ObjectStore(ctx, profile, cred)
	if err != nil {
		return fmt.Errorf("cannot build storage client: %w", err)
	}

	probe := base.Child(fmt.Sprintf("lakekeeper-validation-%s", uuid.New().String()))
	probeObj := probe.Child("probe")

	b.logger.Infof("Validating storage profile with probe at %s", probeObj.String())

	if err := store.PutIfAbsent(ctx, probeObj, []byte("lakekeeper")); err != nil {
		return fmt.Errorf("probe write failed: %w", err)
	}
	listed, err := store.List(ctx, probe)
	if err != nil {
		return fmt.Errorf("probe list failed: %w", err)
	}
	if len(listed) == 0 {
		return fmt.Errorf("probe object not visible in listing")
	}
	if err := store.Delete(ctx, listed); err != nil {
		return fmt.Errorf("probe delete failed: %w", err)
	}

	if profile.SupportsAccess(AccessVendedCredentials) {
		v, _ := b.vendor(profile)
		_, err := v.vend(ctx, &VendRequest{
			Profile:  profile,
			Cred:     cred,
			Location: probe,
			Kind:     AccessVendedCredentials,
			Subject:  "validation",
		})
		if err != nil {
			return fmt.Errorf("credential downscoping does not round-trip: %w", err)
		}
	}
	return nil
}

// WriteMetadata performs the atomic metadata-document PUT for a commit. The
// location carries a server-generated unique suffix, so a retry after an
// ambiguous failure writes a fresh key instead of clobbering.
func (b *Broker) WriteMetadata(ctx context.Context, profile *Profile, cred *Credential, loc *Location, body []byte) error {
	store, err := b.ObjectStore(ctx, profile, cred)
	if err != nil {
		return err
	}
	return store.PutIfAbsent(ctx, loc, body)
}

// ReadMetadata fetches a metadata document (used by register-table).
func (b *Broker) ReadMetadata(ctx context.Context, profile *Profile, cred *Credential, loc *Location) ([]byte, error) {
	store, err := b.ObjectStore(ctx, profile, cred)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, loc)
}

// PurgePrefix lists and deletes everything under the tabular's location.
// Used by the tabular_purge task.
func (b *Broker) PurgePrefix(ctx context.Context, profile *Profile, cred *Credential, prefix *Location) (int, error) {
	store, err := b.ObjectStore(ctx, profile, cred)
	if err != nil {
		return 0, err
	}
	locs, err := store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("purge listing failed: %w", err)
	}
	if len(locs) == 0 {
		return 0, nil
	}
	if err := store.Delete(ctx, locs); err != nil {
		return 0, fmt.Errorf("purge delete failed: %w", err)
	}
	return len(locs), nil
}
