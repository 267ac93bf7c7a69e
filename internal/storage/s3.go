package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"

	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

const stsSessionDuration = 3600 // seconds

type s3Vendor struct {
	logger *logger.Logger
}

func (v *s3Vendor) awsConfig(ctx context.Context, profile *S3Profile, cred *Credential) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(profile.Region),
	}
	if cred != nil && cred.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func (v *s3Vendor) s3Client(cfg aws.Config, profile *S3Profile) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if profile.Endpoint != "" {
			o.BaseEndpoint = aws.String(profile.Endpoint)
		}
		o.UsePathStyle = profile.PathStyleAccess || profile.Endpoint != ""
	})
}

func (v *s3Vendor) objectStore(ctx context.Context, profile *Profile, cred *Credential) (ObjectStore, error) {
	cfg, err := v.awsConfig(ctx, profile.S3, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &s3Store{client: v.s3Client(cfg, profile.S3)}, nil
}

// sessionPolicy builds the least-privilege STS session policy constrained to
// the tabular's prefix.
func sessionPolicy(loc *Location, readOnly bool) (string, error) {
	objectActions := []string{"s3:GetObject"}
	if !readOnly {
		objectActions = append(objectActions, "s3:PutObject", "s3:DeleteObject", "s3:AbortMultipartUpload")
	}
	prefix := loc.Key()
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":   "Allow",
				"Action":   objectActions,
				"Resource": fmt.Sprintf("arn:aws:s3:::%s/%s/*", loc.Bucket, prefix),
			},
			{
				"Effect":   "Allow",
				"Action":   []string{"s3:ListBucket"},
				"Resource": fmt.Sprintf("arn:aws:s3:::%s", loc.Bucket),
				"Condition": map[string]interface{}{
					"StringLike": map[string]interface{}{
						"s3:prefix": []string{prefix + "/*", prefix},
					},
				},
			},
			{
				"Effect":   "Allow",
				"Action":   []string{"s3:GetBucketLocation"},
				"Resource": fmt.Sprintf("arn:aws:s3:::%s", loc.Bucket),
			},
		},
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (v *s3Vendor) vend(ctx context.Context, req *VendRequest) (*VendedCredentials, error) {
	profile := req.Profile.S3
	if !profile.STSEnabled {
		return nil, fmt.Errorf("sts is not enabled for this profile")
	}

	cfg, err := v.awsConfig(ctx, profile, req.Cred)
	if err != nil {
		return nil, err
	}
	stsClient := sts.NewFromConfig(cfg, func(o *sts.Options) {
		if profile.Endpoint != "" {
			o.BaseEndpoint = aws.String(profile.Endpoint)
		}
	})

	policy, err := sessionPolicy(req.Location, false)
	if err != nil {
		return nil, err
	}

	input := &sts.AssumeRoleInput{
		RoleSessionName: aws.String(sessionName(req.Subject)),
		Policy:          aws.String(policy),
		DurationSeconds: aws.Int32(stsSessionDuration),
	}
	if profile.AssumeRoleARN != "" {
		input.RoleArn = aws.String(profile.AssumeRoleARN)
	} else {
		// S3-compatible stores accept a placeholder ARN.
		input.RoleArn = aws.String("arn:aws:iam::000000000000:role/lakekeeper")
	}
	if profile.ExternalID != "" {
		input.ExternalId = aws.String(profile.ExternalID)
	}
	if profile.STSSessionTags {
		input.Tags = []ststypes.Tag{
			{Key: aws.String("lakekeeper-warehouse-id"), Value: aws.String(req.WarehouseID.String())},
			{Key: aws.String("lakekeeper-project-id"), Value: aws.String(req.ProjectID.String())},
			{Key: aws.String("lakekeeper-subject"), Value: aws.String(req.Subject)},
		}
	}

	out, err := stsClient.AssumeRole(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sts assume-role failed: %w", err)
	}
	creds := out.Credentials

	config := map[string]string{
		"s3.access-key-id":     aws.ToString(creds.AccessKeyId),
		"s3.secret-access-key": aws.ToString(creds.SecretAccessKey),
		"s3.session-token":     aws.ToString(creds.SessionToken),
		"s3.region":            profile.Region,
		"region":               profile.Region,
	}
	if profile.Endpoint != "" {
		config["s3.endpoint"] = profile.Endpoint
	}
	if profile.PathStyleAccess || profile.Endpoint != "" {
		config["s3.path-style-access"] = "true"
	}
	expiry := aws.ToTime(creds.Expiration)
	config["expires-at-ms"] = strconv.FormatInt(expiry.UnixMilli(), 10)

	return &VendedCredentials{Config: config, ExpiresAt: expiry}, nil
}

// sessionName produces a valid STS session name from a subject.
func sessionName(subject string) string {
	name := make([]rune, 0, len(subject))
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=', r == ',', r == '.', r == '@':
			name = append(name, r)
		default:
			name = append(name, '-')
		}
	}
	if len(name) == 0 {
		return "lakekeeper"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return string(name)
}

// s3Store implements ObjectStore over the AWS SDK.
type s3Store struct {
	client *s3.Client
}

func (s *s3Store) PutIfAbsent(ctx context.Context, loc *Location, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(loc.Bucket),
		Key:         aws.String(loc.Key()),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return fmt.Errorf("object %s already exists", loc.String())
		}
		return fmt.Errorf("put %s: %w", loc.String(), err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, loc *Location) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key()),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc.String(), err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *s3Store) List(ctx context.Context, prefix *Location) ([]*Location, error) {
	var out []*Location
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(prefix.Bucket),
		Prefix: aws.String(prefix.Key() + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix.String(), err)
		}
		for _, obj := range page.Contents {
			loc, err := ParseLocation(fmt.Sprintf("%s://%s/%s", prefix.Protocol, prefix.Bucket, aws.ToString(obj.Key)))
			if err != nil {
				return nil, err
			}
			out = append(out, loc)
		}
	}
	return out, nil
}

func (s *s3Store) Delete(ctx context.Context, locs []*Location) error {
	const batchSize = 1000
	for start := 0; start < len(locs); start += batchSize {
		end := start + batchSize
		if end > len(locs) {
			end = len(locs)
		}
		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, loc := range locs[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(loc.Key())})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(locs[start].Bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
	}
	return nil
}
