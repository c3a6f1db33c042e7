// Package s3 stores blocks as objects in an S3 bucket.
package s3

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/codec"
)

// DefaultKnownSize is how many identifiers are remembered as already
// stored, to skip redundant uploads.
const DefaultKnownSize = 1000

type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

var _ blockstore.Blockstore = &Persist{}

// Persist implements blockstore.Blockstore for storing and loading
// blocks as objects named Prefix+identifier.
type Persist struct {
	s3         S3Interface
	BucketName string
	Prefix     string
	known      *lru.Cache
}

// NewPersist returns a Persist that loads and stores blocks as objects
// with the given S3 client and bucket name.
func NewPersist(client S3Interface, bucketName, prefix string) *Persist {
	known, err := lru.New(DefaultKnownSize)
	if err != nil {
		panic(err)
	}
	return &Persist{client, bucketName, prefix, known}
}

func (p *Persist) key(c cid.Cid) *string {
	return aws.String(p.Prefix + c.String())
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}

// Get loads the bytes persisted in the block's object.
func (p *Persist) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	output, err := p.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    p.key(c),
	})
	if isNotFound(err) {
		return nil, errors.Wrapf(blockstore.ErrNotFound, "object %s", *p.key(c))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting object %s", *p.key(c))
	}
	defer output.Body.Close()
	b, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading object %s", *p.key(c))
	}
	p.known.Add(c, nil)
	return b, nil
}

func (p *Persist) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if p.known.Contains(c) {
		return true, nil
	}
	_, err := p.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &p.BucketName,
		Key:    p.key(c),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking object %s", *p.key(c))
	}
	p.known.Add(c, nil)
	return true, nil
}

// Put persists the block in an object, unless it is known to exist
// already. Objects are immutable, so a redundant upload is harmless.
func (p *Persist) Put(ctx context.Context, b codec.Block) error {
	if p.known.Contains(b.Cid) {
		return nil
	}
	_, err := p.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: &p.BucketName,
		Key:    p.key(b.Cid),
		Body:   bytes.NewReader(b.Data),
	})
	if err != nil {
		return errors.Wrapf(err, "putting object %s", *p.key(b.Cid))
	}
	p.known.Add(b.Cid, nil)
	return nil
}
