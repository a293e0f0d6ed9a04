package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLocalPutGetStat(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "b3", "raw/year=2025/month=06/day=01/a.parquet", []byte("abc")))

	b, err := s.Get(ctx, "b3", "raw/year=2025/month=06/day=01/a.parquet")
	require.NoError(t, err)
	require.Equal(t, "abc", string(b))

	o, err := s.Stat(ctx, "b3", "raw/year=2025/month=06/day=01/a.parquet")
	require.NoError(t, err)
	require.EqualValues(t, 3, o.Size)

	_, err = s.Get(ctx, "b3", "missing")
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Stat(ctx, "b3", "raw")
	require.True(t, errors.Is(err, ErrNotFound), "directories are not objects")
}

func TestLocalListIsRecursiveAndPrefixed(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, k := range []string{
		"raw/year=2025/month=06/day=02/b.parquet",
		"raw/year=2025/month=06/day=01/a.parquet",
		"raw/year=2025/month=06/day=10/c.parquet",
		"refined/x.parquet",
	} {
		require.NoError(t, s.Put(ctx, "b3", k, []byte("x")))
	}

	objs, err := s.List(ctx, "b3", "raw/year=2025/month=06/day=0")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "raw/year=2025/month=06/day=01/a.parquet", objs[0].Key)

	objs, err = s.List(ctx, "b3", "nothing/here/")
	require.NoError(t, err)
	require.Empty(t, objs)
}

func TestLocalPublishReplacesTarget(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	target := "refined/year=2025/month=06/day=01/"

	require.NoError(t, s.Put(ctx, "b3", target+"tipo=ON/part-00000.parquet", []byte("old")))
	require.NoError(t, s.Put(ctx, "b3", target+"tipo=STALE/part-00000.parquet", []byte("old")))

	staging := StagingPrefix("run-1") + "refined/year=2025/month=06/day=01/"
	require.NoError(t, s.Put(ctx, "b3", staging+"tipo=ON/part-00000.parquet", []byte("new")))
	require.NoError(t, s.Put(ctx, "b3", staging+"tipo=PN/part-00000.parquet", []byte("new")))

	require.NoError(t, s.Publish(ctx, "b3", staging, target))

	objs, err := s.List(ctx, "b3", target)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, target+"tipo=ON/part-00000.parquet", objs[0].Key)
	require.Equal(t, target+"tipo=PN/part-00000.parquet", objs[1].Key)

	b, err := s.Get(ctx, "b3", target+"tipo=ON/part-00000.parquet")
	require.NoError(t, err)
	require.Equal(t, "new", string(b))

	leftovers, err := s.List(ctx, "b3", StagingDir+"/")
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestLocalPublishWithoutStagingFails(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	require.Error(t, s.Publish(context.Background(), "b3", "_staging/none/", "refined/"))
}

func TestLocalDeletePrefixGuardsRoot(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	require.Error(t, s.DeletePrefix(context.Background(), "b3", "/"))
}

func TestS3MapsNoSuchKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
	}))
	defer srv.Close()

	s, err := NewS3(S3Config{Endpoint: srv.Listener.Addr().String(), AccessKey: "k", SecretKey: "s", Region: "us-east-1"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = s.Stat(context.Background(), "b3x-raw", "raw/x.parquet")
	require.ErrorIs(t, err, ErrNotFound)
}
