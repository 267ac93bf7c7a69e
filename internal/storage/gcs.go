package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/google/downscope"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

type gcsVendor struct {
	logger *logger.Logger
}

func (v *gcsVendor) tokenSource(ctx context.Context, cred *Credential) (oauth2.TokenSource, error) {
	if cred == nil || len(cred.ServiceAccountKey) == 0 {
		return nil, fmt.Errorf("gcs requires a service-account key")
	}
	conf, err := google.CredentialsFromJSON(ctx, cred.ServiceAccountKey, gcstorage.ScopeReadWrite)
	if err != nil {
		return nil, fmt.Errorf("invalid gcs service-account key: %w", err)
	}
	return conf.TokenSource, nil
}

// vend exchanges the service-account token for a downscoped access token
// bound to the tabular prefix.
func (v *gcsVendor) vend(ctx context.Context, req *VendRequest) (*VendedCredentials, error) {
	ts, err := v.tokenSource(ctx, req.Cred)
	if err != nil {
		return nil, err
	}

	boundary := downscope.AccessBoundaryRule{
		AvailableResource: fmt.Sprintf("//storage.googleapis.com/projects/_/buckets/%s", req.Location.Bucket),
		AvailablePermissions: []string{
			"inRole:roles/storage.objectAdmin",
		},
		Condition: &downscope.AvailabilityCondition{
			Expression: fmt.Sprintf(
				"resource.name.startsWith('projects/_/buckets/%s/objects/%s')",
				req.Location.Bucket, req.Location.Key(),
			),
		},
	}
	downscoped, err := downscope.NewTokenSource(ctx, downscope.DownscopingConfig{
		RootSource: ts,
		Rules:      []downscope.AccessBoundaryRule{boundary},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build downscoped token source: %w", err)
	}
	token, err := downscoped.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to mint downscoped token: %w", err)
	}

	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return &VendedCredentials{
		Config: map[string]string{
			"gcs.oauth2.token":            token.AccessToken,
			"gcs.oauth2.token-expires-at": fmt.Sprintf("%d", expiry.UnixMilli()),
		},
		ExpiresAt: expiry,
	}, nil
}

func (v *gcsVendor) objectStore(ctx context.Context, profile *Profile, cred *Credential) (ObjectStore, error) {
	var opts []option.ClientOption
	if cred != nil && len(cred.ServiceAccountKey) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cred.ServiceAccountKey))
	}
	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build gcs client: %w", err)
	}
	return &gcsStore{client: client}, nil
}

// gcsStore implements ObjectStore over the GCS client.
type gcsStore struct {
	client *gcstorage.Client
}

func (s *gcsStore) PutIfAbsent(ctx context.Context, loc *Location, body []byte) error {
	obj := s.client.Bucket(loc.Bucket).Object(loc.Key()).If(gcstorage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("put %s: %w", loc.String(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("put %s: %w", loc.String(), err)
	}
	return nil
}

func (s *gcsStore) Get(ctx context.Context, loc *Location) ([]byte, error) {
	r, err := s.client.Bucket(loc.Bucket).Object(loc.Key()).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc.String(), err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *gcsStore) List(ctx context.Context, prefix *Location) ([]*Location, error) {
	var out []*Location
	it := s.client.Bucket(prefix.Bucket).Objects(ctx, &gcstorage.Query{Prefix: prefix.Key() + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix.String(), err)
		}
		loc, err := ParseLocation(fmt.Sprintf("gs://%s/%s", prefix.Bucket, attrs.Name))
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}

func (s *gcsStore) Delete(ctx context.Context, locs []*Location) error {
	for _, loc := range locs {
		if err := s.client.Bucket(loc.Bucket).Object(loc.Key()).Delete(ctx); err != nil {
			return fmt.Errorf("delete %s: %w", loc.String(), err)
		}
	}
	return nil
}
