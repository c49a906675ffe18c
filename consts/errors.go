package consts

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrEmailNotFound = errors.New("email not found")

	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")

	ErrS3NotFound = errors.New("s3 object not found")
)
