package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/pquerna/otp/totp"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

// backupCodeCount is how many one-time codes an enrollment issues.
const backupCodeCount = 10

// totpIssuer names the platform in authenticator apps.
const totpIssuer = "Infrasafe"

type (
	// Enrollment is the provisioning material returned when MFA enrollment
	// starts. The secret and URL are shown exactly once.
	Enrollment struct {
		Secret string
		URL    string
	}
)

// BeginMFAEnrollment provisions a TOTP secret for the user. The secret is
// sealed before storage and MFA stays disabled until the user confirms a
// code, proving the authenticator was set up.
func (s *Service) BeginMFAEnrollment(ctx context.Context, userID, accountName string) (Enrollment, error) {
	cred, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return Enrollment{}, fault.New(fault.KindNotFound, "credential not found")
		}
		return Enrollment{}, s.storeFault(err)
	}
	if cred.MFAEnabled {
		return Enrollment{}, fault.New(fault.KindConflict, "mfa already enabled")
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: totpIssuer, AccountName: accountName})
	if err != nil {
		return Enrollment{}, fault.Wrap(fault.KindInternal, err, "generate totp secret")
	}
	sealed, err := s.box.seal([]byte(key.Secret()))
	if err != nil {
		return Enrollment{}, fault.Wrap(fault.KindInternal, err, "seal totp secret")
	}
	cred.TOTPSecret = sealed
	if err := s.credentials.Put(ctx, cred); err != nil {
		return Enrollment{}, s.storeFault(err)
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// ConfirmMFAEnrollment validates the first code against the provisioned
// secret and activates MFA. The secret, the backup-code hashes and the
// enabled flag are written in a single store update so enrollment is all
// or nothing. Returns the plaintext backup codes, shown exactly once.
func (s *Service) ConfirmMFAEnrollment(ctx context.Context, userID, code string) ([]string, error) {
	cred, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, fault.New(fault.KindNotFound, "credential not found")
		}
		return nil, s.storeFault(err)
	}
	if cred.MFAEnabled {
		return nil, fault.New(fault.KindConflict, "mfa already enabled")
	}
	if len(cred.TOTPSecret) == 0 {
		return nil, fault.New(fault.KindValidation, "mfa enrollment not started")
	}
	secret, err := s.box.open(cred.TOTPSecret)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "unseal totp secret")
	}
	if !totp.Validate(code, string(secret)) {
		return nil, fault.New(fault.KindUnauthorized, "invalid mfa code")
	}

	codes, hashes, err := s.generateBackupCodes(ctx)
	if err != nil {
		return nil, err
	}
	cred.MFAEnabled = true
	cred.BackupCodeHashes = hashes
	if err := s.credentials.Put(ctx, cred); err != nil {
		return nil, s.storeFault(err)
	}
	return codes, nil
}

// VerifyMFA checks a TOTP code, falling back to backup codes. A matched
// backup code is consumed before the call reports success, so it can never
// verify twice.
func (s *Service) VerifyMFA(ctx context.Context, userID, code string) error {
	cred, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return fault.New(fault.KindUnauthorized, "invalid mfa code")
		}
		return s.storeFault(err)
	}
	if !cred.MFAEnabled {
		return fault.New(fault.KindValidation, "mfa not enabled")
	}
	secret, err := s.box.open(cred.TOTPSecret)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "unseal totp secret")
	}
	if totp.Validate(code, string(secret)) {
		return nil
	}
	return s.consumeBackupCode(ctx, cred, code)
}

// RegenerateBackupCodes replaces all remaining backup codes. The old set
// stops working the moment the new hashes are stored.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	cred, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return nil, fault.New(fault.KindNotFound, "credential not found")
		}
		return nil, s.storeFault(err)
	}
	if !cred.MFAEnabled {
		return nil, fault.New(fault.KindValidation, "mfa not enabled")
	}
	codes, hashes, err := s.generateBackupCodes(ctx)
	if err != nil {
		return nil, err
	}
	cred.BackupCodeHashes = hashes
	if err := s.credentials.Put(ctx, cred); err != nil {
		return nil, s.storeFault(err)
	}
	return codes, nil
}

// DisableMFA clears the secret and backup codes.
func (s *Service) DisableMFA(ctx context.Context, userID string) error {
	cred, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return fault.New(fault.KindNotFound, "credential not found")
		}
		return s.storeFault(err)
	}
	cred.MFAEnabled = false
	cred.TOTPSecret = nil
	cred.BackupCodeHashes = nil
	if err := s.credentials.Put(ctx, cred); err != nil {
		return s.storeFault(err)
	}
	return nil
}

func (s *Service) consumeBackupCode(ctx context.Context, cred Credential, code string) error {
	for i, hash := range cred.BackupCodeHashes {
		ok, err := s.compareHash(ctx, hash, code)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		cred.BackupCodeHashes = append(cred.BackupCodeHashes[:i], cred.BackupCodeHashes[i+1:]...)
		if err := s.credentials.Put(ctx, cred); err != nil {
			return s.storeFault(err)
		}
		return nil
	}
	return fault.New(fault.KindUnauthorized, "invalid mfa code")
}

func (s *Service) generateBackupCodes(ctx context.Context) ([]string, []string, error) {
	codes := make([]string, backupCodeCount)
	hashes := make([]string, backupCodeCount)
	for i := range codes {
		b := make([]byte, 5)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, fault.Wrap(fault.KindInternal, err, "generate backup code")
		}
		codes[i] = hex.EncodeToString(b)
		hash, err := s.hashPassword(ctx, codes[i])
		if err != nil {
			return nil, nil, fault.Wrap(fault.KindInternal, err, "hash backup code")
		}
		hashes[i] = hash
	}
	return codes, hashes, nil
}
