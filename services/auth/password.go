package auth

import (
	"context"
	"errors"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/workpool"
)

// ErrPasswordNotSet distinguishes "no password on file" for internal
// callers. The HTTP surface reports it as plain invalid credentials.
var ErrPasswordNotSet = errors.New("auth: password not set")

// Verdict is the outcome of a successful password check.
type Verdict struct {
	MFARequired         bool
	ForcePasswordChange bool
}

// VerifyPassword runs the credential check with lockout. The returned error
// never reveals whether the user exists or which part of the credential
// failed; a locked account rejects even the correct password.
func (s *Service) VerifyPassword(ctx context.Context, userID, password string) (Verdict, error) {
	cred, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			// Burn a hash round anyway so lookups and mismatches take the
			// same time.
			_, _ = s.compareHash(ctx, dummyHash, password)
			return Verdict{}, fault.New(fault.KindUnauthorized, "invalid credentials")
		}
		return Verdict{}, s.storeFault(err)
	}
	now := s.now().UTC()
	if cred.IsLocked(now) {
		return Verdict{}, fault.Locked(cred.LockUntil)
	}
	if cred.PasswordHash == "" {
		return Verdict{}, fault.Wrap(fault.KindUnauthorized, ErrPasswordNotSet, "invalid credentials")
	}

	ok, err := s.compareHash(ctx, cred.PasswordHash, password)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return Verdict{}, s.recordFailure(ctx, cred, now)
	}

	cred.FailedAttempts = 0
	cred.LockUntil = time.Time{}
	cred.LastLogin = now
	if err := s.credentials.Put(ctx, cred); err != nil {
		return Verdict{}, s.storeFault(err)
	}
	return Verdict{MFARequired: cred.MFAEnabled, ForcePasswordChange: cred.ForceChange}, nil
}

// SetPassword hashes and stores a new password, resetting lockout state and
// the force-change flag. All other sessions of the user are deactivated by
// the HTTP layer after a successful change.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	if err := s.checkPasswordPolicy(password); err != nil {
		return err
	}
	hash, err := s.hashPassword(ctx, password)
	if err != nil {
		return err
	}
	cred, err := s.credentials.Get(ctx, userID)
	if err != nil && !errors.Is(err, ErrCredentialNotFound) {
		return s.storeFault(err)
	}
	cred.UserID = userID
	cred.PasswordHash = hash
	cred.FailedAttempts = 0
	cred.LockUntil = time.Time{}
	cred.ForceChange = false
	cred.PasswordSetAt = s.now().UTC()
	if err := s.credentials.Put(ctx, cred); err != nil {
		return s.storeFault(err)
	}
	return nil
}

// ChangePassword verifies the current password before setting the new one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if _, err := s.VerifyPassword(ctx, userID, current); err != nil {
		return err
	}
	return s.SetPassword(ctx, userID, next)
}

// recordFailure increments the counter and locks the account when the
// attempt budget is exhausted.
func (s *Service) recordFailure(ctx context.Context, cred Credential, now time.Time) error {
	cred.FailedAttempts++
	remaining := s.policy.MaxLoginAttempts - cred.FailedAttempts
	if remaining <= 0 {
		remaining = 0
		cred.LockUntil = now.Add(s.policy.LockoutDuration)
	}
	if err := s.credentials.Put(ctx, cred); err != nil {
		return s.storeFault(err)
	}
	s.emit(ctx, events.KindAuthLoginFailed, map[string]any{
		"user_id":            cred.UserID,
		"failed_attempts":    cred.FailedAttempts,
		"remaining_attempts": remaining,
	})
	if !cred.LockUntil.IsZero() && now.Before(cred.LockUntil) {
		s.emit(ctx, events.KindAuthAccountLocked, map[string]any{
			"user_id":      cred.UserID,
			"locked_until": cred.LockUntil.Format(time.RFC3339),
		})
		return fault.Locked(cred.LockUntil)
	}
	return fault.New(fault.KindUnauthorized, "invalid credentials")
}

func (s *Service) checkPasswordPolicy(password string) error {
	if len(password) < s.policy.PasswordMinLength {
		return fault.New(fault.KindValidation, "password too short")
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return fault.New(fault.KindValidation, "password must contain letters and digits")
	}
	return nil
}

// hashPassword runs bcrypt on the bounded pool so a burst of signups cannot
// starve the service.
func (s *Service) hashPassword(ctx context.Context, password string) (string, error) {
	cost := s.policy.PasswordHashRounds
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := workpool.Run(ctx, s.hasher, func() ([]byte, error) {
		return bcrypt.GenerateFromPassword([]byte(password), cost)
	})
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "hash password")
	}
	return string(hash), nil
}

func (s *Service) compareHash(ctx context.Context, hash, password string) (bool, error) {
	ok, err := workpool.Run(ctx, s.hasher, func() (bool, error) {
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return false, fault.Wrap(fault.KindInternal, err, "compare password hash")
	}
	return ok, nil
}

// dummyHash is a bcrypt hash of an unguessable value, compared against when
// the credential does not exist.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"
