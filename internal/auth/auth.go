// Package auth holds the credential vault (bcrypt hashes in the store,
// lockout after repeated failures) and bearer-token issuance.
package auth

import (
	"context"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nyxlight/backend/internal/apperr"
	"github.com/nyxlight/backend/internal/audit"
	"github.com/nyxlight/backend/internal/store"
)

// Roles, least to most privileged.
const (
	RoleReadonly   = "readonly"
	RolePripravnik = "pripravnik"
	RoleRacunovoda = "racunovoda"
	RoleAdmin      = "admin"
)

type User struct {
	Username    string
	DisplayName string
	Role        string
}

type Vault struct {
	store       *store.Store
	trail       *audit.Trail
	maxFailures int
	lockout     time.Duration
	now         func() time.Time
	logger      *log.Logger
}

func NewVault(st *store.Store, trail *audit.Trail, maxFailures, lockoutMinutes int) *Vault {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if lockoutMinutes <= 0 {
		lockoutMinutes = 15
	}
	return &Vault{
		store:       st,
		trail:       trail,
		maxFailures: maxFailures,
		lockout:     time.Duration(lockoutMinutes) * time.Minute,
		now:         time.Now,
		logger:      log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
}

// CreateUser hashes the password and stores the user.
func (v *Vault) CreateUser(ctx context.Context, username, password, displayName, role string) error {
	if username == "" || password == "" {
		return apperr.New(apperr.InvalidInput, "korisničko ime i lozinka su obavezni")
	}
	switch role {
	case RoleReadonly, RolePripravnik, RoleRacunovoda, RoleAdmin:
	default:
		return apperr.Newf(apperr.InvalidInput, "nepoznata uloga: %s", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return apperr.Newf(apperr.Internal, "hash lozinke nije uspio: %v", err)
	}
	return v.store.UpsertUser(ctx, &store.UserRow{
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Role:         role,
	})
}

// Authenticate checks credentials with lockout. Five failures lock the
// account for fifteen minutes; failures and locks land in the audit
// trail with security severity.
func (v *Vault) Authenticate(ctx context.Context, username, password string) (*User, error) {
	row, err := v.store.GetUser(ctx, username)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			// Same error as a wrong password, no user enumeration.
			return nil, apperr.New(apperr.Unauthorized, "neispravno korisničko ime ili lozinka")
		}
		return nil, err
	}

	if row.LockedUntil != "" {
		until, perr := time.Parse(time.RFC3339, row.LockedUntil)
		if perr == nil && v.now().Before(until) {
			return nil, apperr.Newf(apperr.Unauthorized,
				"račun je zaključan do %s zbog previše neuspjelih prijava", until.Format("15:04"))
		}
	}

	if bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)) != nil {
		attempts := row.FailedAttempts + 1
		lockedUntil := ""
		severity := audit.SeverityWarning
		if attempts >= v.maxFailures {
			lockedUntil = v.now().Add(v.lockout).Format(time.RFC3339)
			severity = audit.SeverityCritical
			v.logger.Printf("zaključan račun %s nakon %d pokušaja", username, attempts)
		}
		if err := v.store.RecordLoginFailure(ctx, username, lockedUntil, attempts); err != nil {
			return nil, err
		}
		v.trail.MustLog(ctx, audit.Entry{
			Event:    audit.EventAuth,
			User:     username,
			Action:   "neuspjela prijava",
			Details:  map[string]interface{}{"attempts": attempts, "locked": lockedUntil != ""},
			Severity: severity,
		})
		return nil, apperr.New(apperr.Unauthorized, "neispravno korisničko ime ili lozinka")
	}

	if row.FailedAttempts > 0 || row.LockedUntil != "" {
		if err := v.store.ResetLoginFailures(ctx, username); err != nil {
			return nil, err
		}
	}
	v.trail.MustLog(ctx, audit.Entry{
		Event:  audit.EventAuth,
		User:   username,
		Action: "prijava",
	})
	return &User{Username: row.Username, DisplayName: row.DisplayName, Role: row.Role}, nil
}
