package service

import (
	"fmt"

	"github.com/google/uuid"
)

type ErrJobNotFound struct {
	error
}

func NewErrJobNotFound(id uuid.UUID) *ErrJobNotFound {
	return &ErrJobNotFound{fmt.Errorf("job %s not found", id)}
}

type ErrJobNotResumable struct {
	error
}

func NewErrJobNotResumable(id uuid.UUID, reason string) *ErrJobNotResumable {
	return &ErrJobNotResumable{fmt.Errorf("job %s could not be resumed: %s", id, reason)}
}
