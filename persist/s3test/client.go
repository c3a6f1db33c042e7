// Package s3test provides S3 clients for tests: an in-process fake by
// default, or a real endpoint named by ATMAST_TEST_S3_ENDPOINT.
package s3test

import (
	"net/http/httptest"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	endpointEnv = "ATMAST_TEST_S3_ENDPOINT"
	bucketEnv   = "ATMAST_TEST_S3_BUCKET"
)

// Client returns an S3 client, a bucket that exists and is empty, and
// a function that releases both. It panics if either cannot be set up.
func Client() (*s3.S3, string, func()) {
	var (
		client *s3.S3
		stop   func()
		err    error
	)
	if endpoint := os.Getenv(endpointEnv); endpoint != "" {
		client, err = remote(endpoint)
		stop = func() {}
	} else {
		client, stop, err = fake()
	}
	if err != nil {
		panic(err)
	}
	bucket, dropBucket, err := prepareBucket(client, os.Getenv(bucketEnv))
	if err != nil {
		stop()
		panic(err)
	}
	return client, bucket, func() {
		dropBucket()
		stop()
	}
}

// fake serves an in-memory S3 over a local HTTP listener.
func fake() (*s3.S3, func(), error) {
	ts := httptest.NewServer(gofakes3.New(s3mem.New()).Server())
	sess, err := session.NewSession(&aws.Config{
		Credentials:      credentials.NewStaticCredentials("TEST-ACCESSKEYID", "TEST-SECRETACCESSKEY", ""),
		Endpoint:         aws.String(ts.URL),
		Region:           aws.String("ca-west-1"),
		DisableSSL:       aws.Bool(true),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		ts.Close()
		return nil, nil, errors.Wrap(err, "fake session")
	}
	return s3.New(sess), ts.Close, nil
}

// remote connects to endpoint with credentials from the usual AWS
// variables. Setting AWS_REGION means real S3, whose endpoint the SDK
// resolves itself.
func remote(endpoint string) (*s3.S3, error) {
	id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return nil, errors.Errorf("%s is set but AWS credentials are not", endpointEnv)
	}
	cfg := &aws.Config{
		Credentials:      credentials.NewStaticCredentials(id, secret, os.Getenv("AWS_SESSION_TOKEN")),
		Endpoint:         aws.String(endpoint),
		Region:           aws.String("not-using-AWS"),
		S3ForcePathStyle: aws.Bool(true),
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.Region = aws.String(region)
		cfg.Endpoint = nil
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "session")
	}
	return s3.New(sess), nil
}

// prepareBucket empties a named bucket, or creates a uniquely named one
// when name is empty. The returned func empties it again and deletes
// it if it was created here.
func prepareBucket(client *s3.S3, name string) (string, func(), error) {
	if name != "" {
		if err := emptyBucket(client, name); err != nil {
			return "", nil, errors.Wrapf(err, "empty %s", name)
		}
		return name, func() { release(client, name, false) }, nil
	}
	name = "atmast-" + uuid.NewString()
	if _, err := client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		return "", nil, errors.Wrapf(err, "create %s", name)
	}
	return name, func() { release(client, name, true) }, nil
}

// release empties bucket and, if drop is set, deletes it. Failures are
// logged rather than returned so a leaked bucket shows up in test output.
func release(client *s3.S3, bucket string, drop bool) {
	logger := log.WithField("bucket", bucket)
	if err := emptyBucket(client, bucket); err != nil {
		logger.WithError(err).Warn("s3test: emptying bucket")
	}
	if !drop {
		return
	}
	if _, err := client.DeleteBucket(&s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		logger.WithError(err).Warn("s3test: deleting bucket")
	}
}

func emptyBucket(client *s3.S3, bucket string) error {
	var deleteErr error
	err := client.ListObjectsV2Pages(&s3.ListObjectsV2Input{Bucket: aws.String(bucket)},
		func(page *s3.ListObjectsV2Output, _ bool) bool {
			if len(page.Contents) == 0 {
				return true
			}
			ids := make([]*s3.ObjectIdentifier, 0, len(page.Contents))
			for _, o := range page.Contents {
				ids = append(ids, &s3.ObjectIdentifier{Key: o.Key})
			}
			_, deleteErr = client.DeleteObjects(&s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &s3.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			return deleteErr == nil
		})
	if err != nil {
		return err
	}
	return deleteErr
}
