package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// Methods a client may ask the server to sign. DELETE covers engine-side
// positional-delete cleanup; everything else is read/write of data files.
var signableMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPut:    true,
	http.MethodPost:   true,
	http.MethodDelete: true,
}

// SignRequest is the client's canonical request to be signed.
type SignRequest struct {
	Method  string              `json:"method"`
	URI     string              `json:"uri"`
	Region  string              `json:"region"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body,omitempty"`
}

// SignResponse carries the signed header set back to the client.
type SignResponse struct {
	URI     string              `json:"uri"`
	Headers map[string][]string `json:"headers"`
}

// SignS3Request computes SigV4 headers for a client-supplied request after
// verifying the resource lies inside the warehouse base location.
func (b *Broker) SignS3Request(ctx context.Context, profile *Profile, cred *Credential, req *SignRequest) (*SignResponse, error) {
	if profile.Type != TypeS3 {
		return nil, fmt.Errorf("remote signing is only available for s3 warehouses")
	}
	if !signableMethods[strings.ToUpper(req.Method)] {
		return nil, fmt.Errorf("method %s is not allowed for remote signing", req.Method)
	}

	parsed, err := url.Parse(req.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid uri: %w", err)
	}
	loc, err := s3LocationFromURL(parsed, profile.S3)
	if err != nil {
		return nil, err
	}
	base, err := profile.BaseLocation()
	if err != nil {
		return nil, err
	}
	if !base.Contains(loc) {
		return nil, fmt.Errorf("resource %s is outside the warehouse location", loc.String())
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	payloadHash := "UNSIGNED-PAYLOAD"
	if req.Body != "" {
		sum := sha256.Sum256([]byte(req.Body))
		payloadHash = hex.EncodeToString(sum[:])
	}
	httpReq.Header.Set("X-Amz-Content-Sha256", payloadHash)

	region := req.Region
	if region == "" {
		region = profile.S3.Region
	}

	signer := v4.NewSigner()
	awsCreds := aws.Credentials{
		AccessKeyID:     cred.AccessKeyID,
		SecretAccessKey: cred.SecretAccessKey,
	}
	if err := signer.SignHTTP(ctx, awsCreds, httpReq, payloadHash, "s3", region, time.Now()); err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}

	return &SignResponse{
		URI:     httpReq.URL.String(),
		Headers: httpReq.Header,
	}, nil
}

// s3LocationFromURL resolves an S3 REST URL (virtual-host or path style) to
// a Location for containment checks.
func s3LocationFromURL(u *url.URL, profile *S3Profile) (*Location, error) {
	host := u.Hostname()
	path := strings.TrimPrefix(u.Path, "/")

	var bucket, key string
	switch {
	case strings.HasPrefix(host, profile.Bucket+"."):
		bucket = profile.Bucket
		key = path
	default:
		// Path-style: first segment is the bucket.
		parts := strings.SplitN(path, "/", 2)
		bucket = parts[0]
		if len(parts) == 2 {
			key = parts[1]
		}
	}
	if bucket != profile.Bucket {
		return nil, fmt.Errorf("bucket %q does not belong to this warehouse", bucket)
	}
	return ParseLocation(fmt.Sprintf("s3://%s/%s", bucket, key))
}
