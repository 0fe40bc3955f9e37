package model

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLastOwner     = errors.New("cannot remove the last owner of a package")
	ErrUserDisabled  = errors.New("user is disabled")
)
