/*
Package errors provides structured error handling for the engine.

It defines a standard AppError type that includes:
  - Error Code (standardized strings like NOT_FOUND, INTERNAL)
  - Message (human-readable description)
  - Underlying Error (chaining)

Domain packages declare their own codes and constructors next to the code
that raises them (see pkg/reshare/errors.go).
*/
package errors
