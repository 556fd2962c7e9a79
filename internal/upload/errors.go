package upload

import (
	"errors"

	"printqueue/pkg/types"
)

var (
	ErrUploadFailed    = errors.New("upload failed")
	ErrInvalidFileName = types.ErrInvalidFileName
	ErrNoFile          = errors.New("request carries no file part")
)
