package toolkit

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"

	"github.com/go-logr/logr"
)

// EasyRSA runs the easyrsa script against a pki directory
type EasyRSA struct {
	Bin      string
	PKIDir   string
	KeyAlgo  string
	CertDays int
	CRLDays  int
	Logger   logr.Logger
}

var _ Toolkit = (*EasyRSA)(nil)

func (e *EasyRSA) InitPKI(ctx context.Context) error {
	return e.run(ctx, nil, "init-pki")
}

func (e *EasyRSA) BuildCA(ctx context.Context, commonName string) error {
	return e.run(ctx, []string{"EASYRSA_REQ_CN=" + commonName}, "build-ca", "nopass")
}

func (e *EasyRSA) BuildServerFull(ctx context.Context, name string) error {
	return e.run(ctx, nil, "build-server-full", name, "nopass")
}

func (e *EasyRSA) BuildClientFull(ctx context.Context, name string) error {
	return e.run(ctx, nil, "build-client-full", name, "nopass")
}

func (e *EasyRSA) Revoke(ctx context.Context, name string, reason string) error {
	args := []string{"revoke", name}
	if reason != "" {
		args = append(args, reason)
	}
	return e.run(ctx, nil, args...)
}

func (e *EasyRSA) GenCRL(ctx context.Context) error {
	return e.run(ctx, nil, "gen-crl")
}

func (e *EasyRSA) env() []string {
	env := append(os.Environ(),
		"EASYRSA_BATCH=1",
		"EASYRSA_PKI="+e.PKIDir,
	)
	if e.KeyAlgo == "ec" {
		env = append(env, "EASYRSA_ALGO=ec", "EASYRSA_CURVE=prime256v1")
	} else if e.KeyAlgo == "rsa" {
		env = append(env, "EASYRSA_ALGO=rsa", "EASYRSA_KEY_SIZE=2048")
	}
	if e.CertDays > 0 {
		env = append(env, "EASYRSA_CERT_EXPIRE="+strconv.Itoa(e.CertDays))
	}
	if e.CRLDays > 0 {
		env = append(env, "EASYRSA_CRL_DAYS="+strconv.Itoa(e.CRLDays))
	}
	return env
}

func (e *EasyRSA) run(ctx context.Context, extraEnv []string, args ...string) error {
	cmd := exec.CommandContext(ctx, e.Bin, append([]string{"--batch", "--pki-dir=" + e.PKIDir}, args...)...)
	cmd.Env = append(e.env(), extraEnv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.Logger.V(1).Info("running easyrsa", "args", args)
	if err := cmd.Run(); err != nil {
		output := stderr.String()
		if output == "" {
			output = stdout.String()
		}
		terr := &ToolError{Tool: "easyrsa", Op: args[0], Output: output, Err: err}
		e.Logger.Error(terr, "easyrsa operation failed", "op", args[0])
		return terr
	}
	return nil
}
