package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	s := &Static{Endpoint: Endpoint{Host: "vpn.example.com", Port: 1194, Proto: "udp"}}
	ep, err := s.Resolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "udp://vpn.example.com:1194", ep.String())

	s.Endpoint.Host = "bad host"
	_, err = s.Resolve(t.Context())
	assert.ErrorIs(t, err, ErrResolution)
}

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "203.0.113.7")
	}))
	defer srv.Close()

	l := &Lookup{URL: srv.URL, Port: 443, Proto: "tcp", Client: srv.Client(), Logger: logr.Discard()}
	ep, err := l.Resolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "203.0.113.7", Port: 443, Proto: "tcp"}, ep)
}

func TestLookupFailures(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>oops</html>")
		},
		"empty": func(w http.ResponseWriter, r *http.Request) {},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			l := &Lookup{URL: srv.URL, Port: 1194, Proto: "udp", Logger: logr.Discard()}
			_, err := l.Resolve(t.Context())
			assert.ErrorIs(t, err, ErrResolution)
		})
	}
}

func TestLookupUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l := &Lookup{URL: url, Port: 1194, Proto: "udp", Logger: logr.Discard()}
	_, err := l.Resolve(t.Context())
	assert.ErrorIs(t, err, ErrResolution)
}

type fakeEC2 struct {
	out *ec2.DescribeInstancesOutput
	err error
	ids []string
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.ids = in.InstanceIds
	return f.out, f.err
}

func TestEC2(t *testing.T) {
	api := &fakeEC2{out: &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
		Instances: []types.Instance{{PublicIpAddress: aws.String("198.51.100.4")}},
	}}}}
	e := &EC2{InstanceID: "i-0abc", Port: 1194, Proto: "udp", API: api, Logger: logr.Discard()}

	ep, err := e.Resolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", ep.Host)
	assert.Equal(t, []string{"i-0abc"}, api.ids)

	api.out.Reservations[0].Instances[0].PublicDnsName = aws.String("ec2-198-51-100-4.compute.amazonaws.com")
	ep, err = e.Resolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "ec2-198-51-100-4.compute.amazonaws.com", ep.Host)
}

func TestEC2Failures(t *testing.T) {
	e := &EC2{InstanceID: "i-0abc", API: &fakeEC2{err: errors.New("throttled")}, Logger: logr.Discard()}
	_, err := e.Resolve(t.Context())
	assert.ErrorIs(t, err, ErrResolution)

	e.API = &fakeEC2{out: &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
		Instances: []types.Instance{{}},
	}}}}
	_, err = e.Resolve(t.Context())
	assert.ErrorIs(t, err, ErrResolution)
	assert.ErrorContains(t, err, "no public address")
}
