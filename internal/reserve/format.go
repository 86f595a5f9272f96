package reserve

import "fmt"

// MinIDLength is the shortest identifier the allocator accepts or mints.
const MinIDLength = 5

// FormatError explains why an identifier failed ValidateFormat.
// It matches ErrInvalidFormat under errors.Is.
type FormatError struct {
	ID     string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("identifier %q is badly formed: %s", e.ID, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrInvalidFormat }

// ValidateFormat checks the format contract: at least MinIDLength characters
// drawn from [A-Za-z0-9-].
func ValidateFormat(id string) error {
	if len(id) < MinIDLength {
		return &FormatError{ID: id, Reason: fmt.Sprintf("must be at least %d characters", MinIDLength)}
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return &FormatError{ID: id, Reason: fmt.Sprintf("character %q at offset %d is not a letter, digit or hyphen", c, i)}
		}
	}
	return nil
}
