package s3_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mast "github.com/jrhy/atmast"
	"github.com/jrhy/atmast/blockstore/blockstoretest"
	s3Persist "github.com/jrhy/atmast/persist/s3"
	"github.com/jrhy/atmast/persist/s3test"
)

var ctx = context.Background()

func TestHappyCase(t *testing.T) {
	t.Parallel()
	c, bucketName, closer := s3test.Client()
	defer closer()

	p := s3Persist.NewPersist(c, bucketName, "blocks/")
	blockstoretest.ReadWrite(ctx, t, p)

	b := blockstoretest.Block(1)
	out, err := c.GetObject(&s3.GetObjectInput{
		Bucket: &bucketName,
		Key:    aws.String("blocks/" + b.Cid.String()),
	})
	require.NoError(t, err)
	out.Body.Close()
}

func TestTreeOverS3(t *testing.T) {
	t.Parallel()
	c, bucketName, closer := s3test.Client()
	defer closer()

	p := s3Persist.NewPersist(c, bucketName, "")
	m := mast.NewEmpty(mast.Config{Store: p})
	for i := 0; i < 50; i++ {
		b := blockstoretest.Block(i)
		var err error
		m, err = m.Put(ctx, fmt.Sprintf("com.example.record/k%03d", i), b.Cid)
		require.NoError(t, err)
	}
	root, err := m.Root(ctx)
	require.NoError(t, err)

	// A fresh client knows nothing and must read everything back.
	loaded, err := mast.Load(ctx, mast.Config{Store: s3Persist.NewPersist(c, bucketName, "")}, root)
	require.NoError(t, err)
	n, err := loaded.LeafCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}
