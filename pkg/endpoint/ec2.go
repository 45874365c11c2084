package endpoint

import (
	"context"
	"fmt"

	"github.com/3scale/ovpn-pki-manager/pkg/config"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/go-logr/logr"
)

// DescribeInstancesAPI is the part of the EC2 client used by EC2
type DescribeInstancesAPI interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// EC2 resolves the public DNS name, or failing that the public IP, of the
// instance running the VPN server
type EC2 struct {
	InstanceID string
	Port       int
	Proto      string
	API        DescribeInstancesAPI
	Logger     logr.Logger
}

// NewEC2 builds an EC2 resolver using the default AWS credential chain
func NewEC2(ctx context.Context, instanceID string, port int, proto string, logger logr.Logger) (*EC2, error) {
	ctx, cancel := context.WithTimeout(ctx, config.AwsApiTimeout)
	defer cancel()
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error(err, "unable to load AWS EC2 client")
		return nil, err
	}
	return &EC2{
		InstanceID: instanceID,
		Port:       port,
		Proto:      proto,
		API:        ec2.NewFromConfig(cfg),
		Logger:     logger,
	}, nil
}

func (e *EC2) Resolve(ctx context.Context) (Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, config.AwsApiTimeout)
	defer cancel()

	rsp, err := e.API.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{e.InstanceID}})
	if err != nil {
		e.Logger.Error(err, "error in AWS call to describeInstances")
		return Endpoint{}, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	for _, r := range rsp.Reservations {
		for _, i := range r.Instances {
			host := ""
			if i.PublicDnsName != nil && *i.PublicDnsName != "" {
				host = *i.PublicDnsName
			} else if i.PublicIpAddress != nil {
				host = *i.PublicIpAddress
			}
			if host == "" {
				continue
			}
			if err := validHost(host); err != nil {
				return Endpoint{}, err
			}
			return Endpoint{Host: host, Port: e.Port, Proto: e.Proto}, nil
		}
	}
	return Endpoint{}, fmt.Errorf("%w: instance %s has no public address", ErrResolution, e.InstanceID)
}
