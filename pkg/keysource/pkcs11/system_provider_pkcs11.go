//go:build pkcs11 && cgo

package pkcs11

import (
	"context"
	"errors"
	"strconv"
	"strings"

	pkcs "github.com/miekg/pkcs11"
)

func init() {
	systemSessionProvider = &nativeProvider{}
}

type nativeProvider struct{}

func (nativeProvider) Open(ctx context.Context, cfg Config) (Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	module := pkcs.New(cfg.ModulePath)
	if module == nil {
		return nil, errors.New("pkcs11: failed to load module")
	}
	if err := module.Initialize(); err != nil {
		module.Destroy()
		return nil, err
	}

	slot, err := selectSlot(module, cfg)
	if err != nil {
		module.Finalize()
		module.Destroy()
		return nil, err
	}

	sessionHandle, err := module.OpenSession(slot, pkcs.CKF_SERIAL_SESSION)
	if err != nil {
		module.Finalize()
		module.Destroy()
		return nil, err
	}

	return &nativeSession{module: module, session: sessionHandle}, nil
}

func selectSlot(module *pkcs.Ctx, cfg Config) (uint, error) {
	if cfg.Slot != "" {
		id, err := strconv.ParseUint(cfg.Slot, 10, 32)
		if err != nil {
			return 0, err
		}
		return uint(id), nil
	}

	slots, err := module.GetSlotList(true)
	if err != nil {
		return 0, err
	}
	label := strings.TrimSpace(cfg.TokenLabel)
	for _, slot := range slots {
		info, err := module.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(info.Label), label) {
			return slot, nil
		}
	}
	return 0, errors.New("pkcs11: token not found")
}

type nativeSession struct {
	module  *pkcs.Ctx
	session pkcs.SessionHandle
}

func (s *nativeSession) Login(ctx context.Context, pin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.module.Login(s.session, pkcs.CKU_USER, pin)
	switch {
	case err == nil, errors.Is(err, pkcs.Error(pkcs.CKR_USER_ALREADY_LOGGED_IN)):
		return nil
	case errors.Is(err, pkcs.Error(pkcs.CKR_PIN_INCORRECT)):
		return ErrInvalidPIN
	default:
		return err
	}
}

func (s *nativeSession) ReadSecret(ctx context.Context, label string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	template := []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_CLASS, pkcs.CKO_SECRET_KEY),
		pkcs.NewAttribute(pkcs.CKA_LABEL, label),
	}
	if err := s.module.FindObjectsInit(s.session, template); err != nil {
		return nil, err
	}
	objects, _, err := s.module.FindObjects(s.session, 1)
	if ferr := s.module.FindObjectsFinal(s.session); err == nil {
		err = ferr
	}
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, ErrKeyNotFound
	}

	attrs, err := s.module.GetAttributeValue(s.session, objects[0], []*pkcs.Attribute{
		pkcs.NewAttribute(pkcs.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, ErrKeyNotFound
	}
	return attrs[0].Value, nil
}

func (s *nativeSession) Logout(ctx context.Context) error {
	defer func() {
		s.module.CloseSession(s.session)
		s.module.Finalize()
		s.module.Destroy()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.module.Logout(s.session); err != nil && err != pkcs.Error(pkcs.CKR_USER_NOT_LOGGED_IN) {
		return err
	}
	return nil
}
