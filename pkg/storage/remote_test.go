package storage

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

const azuriteConnection = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString(azuriteConnection)
	assert.Equal(t, "devstoreaccount1", params["AccountName"])
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", params["BlobEndpoint"])
	assert.Equal(t, "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==", params["AccountKey"])

	assert.Empty(t, parseConnectionString(" ; =x;novalue"))
}

func TestAzureBlobInitialize(t *testing.T) {
	tests := []struct {
		name       string
		connection string
		container  string
		wantErr    bool
	}{
		{name: "valid azurite", connection: azuriteConnection, container: "results"},
		{name: "default endpoint", connection: "AccountName=acct;AccountKey=a2V5", container: "results"},
		{name: "missing connection", container: "results", wantErr: true},
		{name: "missing container", connection: azuriteConnection, wantErr: true},
		{name: "missing key", connection: "AccountName=acct", container: "results", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newContext(t, runtime.DefaultConfig())
			a := &AzureBlob{ConnectionString: tt.connection, Container: tt.container}
			err := ctx.Initialize(a)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cerrors.IsConfiguration(err))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, a.client)
		})
	}

	ctx := newContext(t, runtime.DefaultConfig())
	a := &AzureBlob{ConnectionString: "AccountName=acct;AccountKey=a2V5", Container: "c"}
	require.NoError(t, ctx.Initialize(a))
	assert.Equal(t, "https://acct.blob.core.windows.net", a.serviceURL)
	_, err := a.Create(t.Context(), "x", CreateOptions{Append: true})
	assert.Error(t, err)
}

func TestS3Initialize(t *testing.T) {
	ctx := newContext(t, runtime.DefaultConfig().WithProp("bucket", "landing"))
	s := &S3{
		Endpoint:  "https://minio.local:9000",
		Bucket:    "${ props.bucket }",
		AccessKey: "minio",
		SecretKey: "minio123",
	}
	require.NoError(t, ctx.Initialize(s))
	assert.Equal(t, "landing", s.Bucket)
	assert.True(t, s.Secure)
	assert.NotNil(t, s.client)

	_, err := s.Create(t.Context(), "x", CreateOptions{Append: true})
	assert.Error(t, err)

	missing := &S3{Endpoint: "localhost:9000", Bucket: "b"}
	assert.True(t, cerrors.IsConfiguration(ctx.Initialize(missing)))
}

const listResult = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>landing</Name><Prefix>in/</Prefix><KeyCount>4</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>
<Contents><Key>in/b.csv</Key><Size>1</Size></Contents>
<Contents><Key>in/a.csv</Key><Size>1</Size></Contents>
<Contents><Key>in/c.txt</Key><Size>1</Size></Contents>
<Contents><Key>in/sub/d.csv</Key><Size>1</Size></Contents>
</ListBucketResult>`

func newS3Server(t *testing.T, handler http.HandlerFunc) *S3 {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctx := newContext(t, runtime.DefaultConfig())
	s := &S3{
		Endpoint:  srv.URL,
		Bucket:    "landing",
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
	}
	require.NoError(t, ctx.Initialize(s))
	return s
}

func TestS3List(t *testing.T) {
	var prefix string
	s := newS3Server(t, func(w http.ResponseWriter, r *http.Request) {
		prefix = r.URL.Query().Get("prefix")
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, listResult)
	})

	keys, err := s.List(t.Context(), "/in/*.csv")
	require.NoError(t, err)
	assert.Equal(t, "in/", prefix)
	assert.Equal(t, []string{"in/a.csv", "in/b.csv"}, keys)
}

func TestS3ListFailure(t *testing.T) {
	s := newS3Server(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
	})

	_, err := s.List(t.Context(), "in/*.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list objects")
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw        string
		secure     bool
		wantHost   string
		wantSecure bool
	}{
		{"localhost:9000", false, "localhost:9000", false},
		{"127.0.0.1:9000", true, "127.0.0.1:9000", true},
		{"http://minio:9000", false, "minio:9000", false},
		{"https://s3.amazonaws.com", false, "s3.amazonaws.com", true},
	}
	for _, tt := range tests {
		host, secure, err := parseEndpoint(tt.raw, tt.secure)
		require.NoError(t, err)
		assert.Equal(t, tt.wantHost, host, tt.raw)
		assert.Equal(t, tt.wantSecure, secure, tt.raw)
	}

	_, _, err := parseEndpoint("http://", false)
	assert.Error(t, err)
}
