package storage

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProfileJSONRoundTrip(t *testing.T) {
	raw := `{"type":"s3","bucket":"b","key-prefix":"p/","region":"r","endpoint":"http://minio:9000","sts-enabled":true}`
	var p Profile
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Equal(t, TypeS3, p.Type)
	require.Equal(t, "b", p.S3.Bucket)
	require.True(t, p.S3.STSEnabled)

	out, err := json.Marshal(&p)
	require.NoError(t, err)

	var p2 Profile
	require.NoError(t, json.Unmarshal(out, &p2))
	require.Equal(t, p.S3, p2.S3)
}

func TestProfileUnknownTypeRejected(t *testing.T) {
	var p Profile
	err := json.Unmarshal([]byte(`{"type":"hdfs","path":"/x"}`), &p)
	require.Error(t, err)
}

func TestResolveAccess(t *testing.T) {
	sts := &Profile{Type: TypeS3, S3: &S3Profile{Bucket: "b", Region: "r", STSEnabled: true}}
	signOnly := &Profile{Type: TypeS3, S3: &S3Profile{Bucket: "b", Region: "r", RemoteSigningOnly: true}}
	gcs := &Profile{Type: TypeGCS, GCS: &GCSProfile{Bucket: "b"}}

	tests := []struct {
		name      string
		profile   *Profile
		requested string
		want      AccessKind
		wantErr   bool
	}{
		{name: "default prefers vending", profile: sts, requested: "", want: AccessVendedCredentials},
		{name: "explicit signing", profile: sts, requested: "remote-signing", want: AccessRemoteSigning},
		{name: "fallback to signing when vending off", profile: signOnly, requested: "", want: AccessRemoteSigning},
		{name: "vending refused when disabled", profile: signOnly, requested: "vended-credentials", wantErr: true},
		{name: "gcs cannot remote-sign", profile: gcs, requested: "remote-signing", wantErr: true},
		{name: "gcs vends by default", profile: gcs, requested: "", want: AccessVendedCredentials},
		{name: "unknown mode", profile: sts, requested: "carrier-pigeon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.profile.ResolveAccess(tt.requested)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSessionPolicyScopedToPrefix(t *testing.T) {
	loc, err := ParseLocation("s3://b/p/t1")
	require.NoError(t, err)
	policy, err := sessionPolicy(loc, false)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(policy), &doc))
	require.Equal(t, "2012-10-17", doc["Version"])
	require.Contains(t, policy, "arn:aws:s3:::b/p/t1/*")
	require.Contains(t, policy, `"s3:prefix"`)
	require.NotContains(t, policy, "arn:aws:s3:::b/*")
}

func TestVendedCredentialsCacheTTL(t *testing.T) {
	now := time.Now()
	short := &VendedCredentials{ExpiresAt: now.Add(10 * time.Minute)}
	require.Equal(t, 5*time.Minute, short.CacheTTL(now))

	long := &VendedCredentials{ExpiresAt: now.Add(6 * time.Hour)}
	require.Equal(t, time.Hour, long.CacheTTL(now))

	expired := &VendedCredentials{ExpiresAt: now.Add(-time.Minute)}
	require.Equal(t, time.Duration(0), expired.CacheTTL(now))
}

func TestS3LocationFromURL(t *testing.T) {
	profile := &S3Profile{Bucket: "b", Region: "r"}

	pathStyle, _ := url.Parse("http://minio:9000/b/p/t1/data/file.parquet")
	loc, err := s3LocationFromURL(pathStyle, profile)
	require.NoError(t, err)
	require.Equal(t, "s3://b/p/t1/data/file.parquet", loc.String())

	virtualHost, _ := url.Parse("https://b.s3.eu-central-1.amazonaws.com/p/t1/data/file.parquet")
	loc, err = s3LocationFromURL(virtualHost, profile)
	require.NoError(t, err)
	require.Equal(t, "s3://b/p/t1/data/file.parquet", loc.String())

	wrongBucket, _ := url.Parse("http://minio:9000/other/p/file")
	_, err = s3LocationFromURL(wrongBucket, profile)
	require.Error(t, err)
}

func TestSessionName(t *testing.T) {
	require.Equal(t, "oidc-abc@example.com", sessionName("oidc~abc@example.com"))
	require.Equal(t, "lakekeeper", sessionName(""))
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	require.Len(t, sessionName(string(long)), 64)
}
