package davclient

import (
	"context"

	"github.com/cyp0633/meetsync/internal/httpclient"
)

type mockPutResponse struct {
	etag string
	err  error
}

type mockGetResponse struct {
	data []byte
	etag string
	err  error
}

// PropfindFunc is a function type for mocking PROPFIND
type PropfindFunc func(url string, depth int, props ...string) (*httpclient.PropfindResponse, error)

// mockHTTPClient records the URLs it was called with.
type mockHTTPClient struct {
	propfindResponse *httpclient.PropfindResponse
	propfindErr      error
	mkcalendarErr    error
	getResponse      *mockGetResponse
	putResponse      *mockPutResponse
	deleteResponse   error
	doPropfind       PropfindFunc

	calls []string
}

func (m *mockHTTPClient) DoPROPFIND(_ context.Context, _ httpclient.Credentials, url string, depth int, props ...string) (*httpclient.PropfindResponse, error) {
	m.calls = append(m.calls, "PROPFIND "+url)
	if m.doPropfind != nil {
		return m.doPropfind(url, depth, props...)
	}
	if m.propfindErr != nil {
		return nil, m.propfindErr
	}
	return m.propfindResponse, nil
}

func (m *mockHTTPClient) DoMKCALENDAR(_ context.Context, _ httpclient.Credentials, url string, _, _ string) error {
	m.calls = append(m.calls, "MKCALENDAR "+url)
	return m.mkcalendarErr
}

func (m *mockHTTPClient) DoGET(_ context.Context, _ httpclient.Credentials, url string) ([]byte, string, error) {
	m.calls = append(m.calls, "GET "+url)
	if m.getResponse != nil {
		return m.getResponse.data, m.getResponse.etag, m.getResponse.err
	}
	return nil, "", &httpclient.StatusError{Method: "GET", URL: url, StatusCode: 404}
}

func (m *mockHTTPClient) DoPUT(_ context.Context, _ httpclient.Credentials, url string, _ string, _ []byte) (string, error) {
	m.calls = append(m.calls, "PUT "+url)
	if m.putResponse != nil {
		return m.putResponse.etag, m.putResponse.err
	}
	return "new-etag", nil
}

func (m *mockHTTPClient) DoDELETE(_ context.Context, _ httpclient.Credentials, url string, _ string) error {
	m.calls = append(m.calls, "DELETE "+url)
	return m.deleteResponse
}
