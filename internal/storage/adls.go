package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"

	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

type adlsVendor struct {
	logger *logger.Logger
}

func (v *adlsVendor) serviceClient(profile *ADLSProfile, cred *Credential) (*service.Client, error) {
	if cred == nil || cred.ClientID == "" {
		return nil, fmt.Errorf("adls requires az-client-credentials")
	}
	identity, err := azidentity.NewClientSecretCredential(cred.TenantID, cred.ClientID, cred.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build azure credential: %w", err)
	}
	// SAS minting and data-plane IO go through the blob endpoint even though
	// locations use the abfss scheme.
	endpoint := fmt.Sprintf("https://%s.blob.core.windows.net/", profile.AccountName)
	client, err := service.NewClient(endpoint, identity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build azure service client: %w", err)
	}
	return client, nil
}

// vend exchanges the service-principal token for a user-delegation key and
// mints a SAS bound to the container and directory prefix.
func (v *adlsVendor) vend(ctx context.Context, req *VendRequest) (*VendedCredentials, error) {
	profile := req.Profile.ADLS
	client, err := v.serviceClient(profile, req.Cred)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Add(-10 * time.Minute)
	expiry := time.Now().UTC().Add(time.Duration(profile.SASTokenValiditySeconds) * time.Second)

	info := service.KeyInfo{
		Start:  to.Ptr(now.Format(sas.TimeFormat)),
		Expiry: to.Ptr(expiry.Format(sas.TimeFormat)),
	}
	udc, err := client.GetUserDelegationCredential(ctx, info, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain user delegation key: %w", err)
	}

	// Directory-scoped SAS: the signed path is the tabular prefix below the
	// filesystem.
	perms := sas.ContainerPermissions{
		Read: true, Add: true, Create: true, Write: true, Delete: true, List: true,
	}
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now,
		ExpiryTime:    expiry,
		ContainerName: profile.Filesystem,
		Directory:     strings.Join(req.Location.Path, "/"),
		Permissions:   perms.String(),
	}
	qps, err := values.SignWithUserDelegation(udc)
	if err != nil {
		return nil, fmt.Errorf("failed to sign sas: %w", err)
	}

	host := profile.Host
	if host == "" {
		host = "dfs.core.windows.net"
	}
	accountKeyProp := fmt.Sprintf("adls.sas-token.%s.%s", profile.AccountName, host)
	return &VendedCredentials{
		Config: map[string]string{
			accountKeyProp: qps.Encode(),
		},
		ExpiresAt: expiry,
	}, nil
}

func (v *adlsVendor) objectStore(ctx context.Context, profile *Profile, cred *Credential) (ObjectStore, error) {
	client, err := v.serviceClient(profile.ADLS, cred)
	if err != nil {
		return nil, err
	}
	return &adlsStore{
		service:    client,
		filesystem: profile.ADLS.Filesystem,
	}, nil
}

// adlsStore implements ObjectStore over blob containers. Location paths are
// relative to the account; the first element of an abfss authority is the
// filesystem, so Keys here drop nothing.
type adlsStore struct {
	service    *service.Client
	filesystem string
}

func (s *adlsStore) container() *container.Client {
	return s.service.NewContainerClient(s.filesystem)
}

func (s *adlsStore) PutIfAbsent(ctx context.Context, loc *Location, body []byte) error {
	blockBlob := s.container().NewBlockBlobClient(loc.Key())
	_, err := blockBlob.UploadStream(ctx, bytes.NewReader(body), &azblob.UploadStreamOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", loc.String(), err)
	}
	return nil
}

func (s *adlsStore) Get(ctx context.Context, loc *Location) ([]byte, error) {
	resp, err := s.container().NewBlobClient(loc.Key()).DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc.String(), err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *adlsStore) List(ctx context.Context, prefix *Location) ([]*Location, error) {
	var out []*Location
	pager := s.container().NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix.Key() + "/"),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix.String(), err)
		}
		for _, item := range page.Segment.BlobItems {
			loc := &Location{Protocol: prefix.Protocol, Bucket: prefix.Bucket}
			for _, seg := range strings.Split(*item.Name, "/") {
				if seg != "" {
					loc.Path = append(loc.Path, seg)
				}
			}
			out = append(out, loc)
		}
	}
	return out, nil
}

func (s *adlsStore) Delete(ctx context.Context, locs []*Location) error {
	for _, loc := range locs {
		if _, err := s.container().NewBlobClient(loc.Key()).Delete(ctx, nil); err != nil {
			return fmt.Errorf("delete %s: %w", loc.String(), err)
		}
	}
	return nil
}
