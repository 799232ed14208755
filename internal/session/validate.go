package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	sessionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	inputValidate      *validator.Validate
)

func init() {
	inputValidate = validator.New()
	_ = inputValidate.RegisterValidation("session_name", func(fl validator.FieldLevel) bool {
		return sessionNamePattern.MatchString(fl.Field().String())
	})
}

type CreateArgs struct {
	Name        string `json:"name" validate:"required,max=100,session_name"`
	Description string `json:"description" validate:"max=500"`
	// Force takes the lock even when another live process holds it.
	Force bool `json:"force"`
}

type RetryArgs struct {
	File         string `json:"file" validate:"required"`
	Reason       string `json:"reason" validate:"required,max=2000"`
	AutoDetected bool   `json:"auto_detected"`
}

func validateName(name string) error {
	if err := inputValidate.Var(name, "required,max=100,session_name"); err != nil {
		return invalidf("session name %q must be 1-100 characters of letters, digits, '-' or '_'", name)
	}
	return nil
}

func validateStruct(value any) error {
	err := inputValidate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return invalidf("%v", err)
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		switch fieldError.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", strings.ToLower(fieldError.Field())))
		case "max":
			messages = append(messages, fmt.Sprintf("%s exceeds %s characters", strings.ToLower(fieldError.Field()), fieldError.Param()))
		case "session_name":
			messages = append(messages, fmt.Sprintf("%s may only contain letters, digits, '-' and '_'", strings.ToLower(fieldError.Field())))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s", strings.ToLower(fieldError.Field()), fieldError.Tag()))
		}
	}
	return invalidf("%s", strings.Join(messages, "; "))
}
