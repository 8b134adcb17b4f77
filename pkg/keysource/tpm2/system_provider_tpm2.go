//go:build tpm2

package tpm2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	gotpm "github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

func init() {
	systemTPMProvider = &nativeProvider{}
}

// The TPM cannot service overlapping command sequences from one process.
var deviceMu sync.Mutex

type nativeProvider struct{}

type socketTPM struct {
	transport.TPM
	closer io.Closer
}

func (t *socketTPM) Close() error {
	return t.closer.Close()
}

func (nativeProvider) Open(ctx context.Context, cfg Config) (TPMSession, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deviceMu.Lock()

	info, err := os.Stat(cfg.DevicePath)
	if err != nil {
		deviceMu.Unlock()
		if os.IsNotExist(err) {
			return nil, ErrTPMUnavailable
		}
		return nil, fmt.Errorf("tpm2: stat device: %w", err)
	}

	var tpm transport.TPMCloser
	if info.Mode()&os.ModeSocket != 0 {
		// swtpm exposed through socat
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", cfg.DevicePath)
		if err != nil {
			deviceMu.Unlock()
			return nil, fmt.Errorf("tpm2: connect socket: %w", err)
		}
		tpm = &socketTPM{TPM: transport.FromReadWriter(conn), closer: conn}
	} else {
		tpm, err = transport.OpenTPM(cfg.DevicePath)
		if err != nil {
			deviceMu.Unlock()
			if os.IsNotExist(err) {
				return nil, ErrTPMUnavailable
			}
			return nil, fmt.Errorf("tpm2: open device: %w", err)
		}
	}

	return &nativeSession{tpm: tpm, cfg: cfg}, nil
}

type nativeSession struct {
	tpm transport.TPMCloser
	cfg Config
}

func (s *nativeSession) Unseal(ctx context.Context, handle Handle, password string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := gotpm.TPMHandle(handle)

	pub, err := gotpm.ReadPublic{ObjectHandle: h}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	area, err := pub.OutPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("tpm2: read public area: %w", err)
	}

	if len(area.AuthPolicy.Buffer) > 0 {
		return s.unsealWithPolicy(h, pub.Name)
	}

	rsp, err := gotpm.Unseal{
		ItemHandle: gotpm.AuthHandle{
			Handle: h,
			Name:   pub.Name,
			Auth:   gotpm.PasswordAuth([]byte(password)),
		},
	}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	return rsp.OutData.Buffer, nil
}

func (s *nativeSession) unsealWithPolicy(h gotpm.TPMHandle, name gotpm.TPM2BName) ([]byte, error) {
	sess, cleanup, err := gotpm.PolicySession(s.tpm, gotpm.TPMAlgSHA256, 16)
	if err != nil {
		return nil, fmt.Errorf("tpm2: start policy session: %w", err)
	}
	defer func() { _ = cleanup() }()

	_, err = gotpm.PolicyPCR{
		PolicySession: sess.Handle(),
		Pcrs: gotpm.TPMLPCRSelection{
			PCRSelections: []gotpm.TPMSPCRSelection{{
				Hash:      hashAlgorithm(s.cfg.HashAlgorithm),
				PCRSelect: pcrSelect(s.cfg.PCRSelection),
			}},
		},
	}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}

	rsp, err := gotpm.Unseal{
		ItemHandle: gotpm.AuthHandle{Handle: h, Name: name, Auth: sess},
	}.Execute(s.tpm)
	if err != nil {
		return nil, mapTPMError(err)
	}
	return rsp.OutData.Buffer, nil
}

func (s *nativeSession) Close(ctx context.Context) error {
	defer deviceMu.Unlock()
	return s.tpm.Close()
}

func hashAlgorithm(alg string) gotpm.TPMAlgID {
	switch alg {
	case "SHA1":
		return gotpm.TPMAlgSHA1
	case "SHA384":
		return gotpm.TPMAlgSHA384
	case "SHA512":
		return gotpm.TPMAlgSHA512
	default:
		return gotpm.TPMAlgSHA256
	}
}

// pcrSelect builds the 3-byte PCR bitmask for PCRs 0-23.
func pcrSelect(pcrs []int) []byte {
	mask := make([]byte, 3)
	for _, pcr := range pcrs {
		mask[pcr/8] |= 1 << uint(pcr%8)
	}
	return mask
}

func mapTPMError(err error) error {
	switch {
	case errors.Is(err, gotpm.TPMRCBadAuth), errors.Is(err, gotpm.TPMRCAuthFail):
		return ErrInvalidPassword
	case errors.Is(err, gotpm.TPMRCPolicyFail):
		return ErrPCRMismatch
	case errors.Is(err, gotpm.TPMRCHandle):
		return ErrInvalidHandle
	}
	// Simulators and older firmware do not always return a parsable code.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth"):
		return ErrInvalidPassword
	case strings.Contains(msg, "policy"), strings.Contains(msg, "pcr"):
		return ErrPCRMismatch
	case strings.Contains(msg, "handle"):
		return ErrInvalidHandle
	}
	return fmt.Errorf("tpm2: unseal failed: %w", err)
}
