package service

import (
	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/model"
)

// Operation enumerates the authorization taxonomy.
type Operation int

const (
	// OpReadPackage covers index reads, downloads and search.
	OpReadPackage Operation = iota
	// OpWritePackage covers publish, yank, deprecation and ownership
	// changes. Ownership itself is checked against the database by the
	// package service; this gate only covers capabilities.
	OpWritePackage
	// OpAdminGlobal covers user, token and worker administration.
	OpAdminGlobal
)

// Authorize is a pure function of (principal, operation, resource). Admins
// may do anything their credential allows; token capability sets restrict
// the bearer regardless of the underlying user's role.
func Authorize(p model.Principal, op Operation, crate string) error {
	if !p.User.IsActive {
		return apierror.Unauthorized("user is disabled")
	}
	if crate != "" && !p.AllowsCrate(crate) {
		return apierror.Forbidden("token is not scoped to this crate")
	}
	switch op {
	case OpReadPackage:
		if !p.CanRead {
			return apierror.Forbidden("reading is forbidden for this authentication")
		}
	case OpWritePackage:
		if !p.CanWrite {
			return apierror.Forbidden("writing is forbidden for this authentication")
		}
	case OpAdminGlobal:
		if !p.CanAdmin {
			return apierror.Forbidden("administration is forbidden for this authentication")
		}
	}
	return nil
}
