//go:build !linux

package keyboard

// Verify checks that the keyboard event binding can be created.
func Verify() (string, error) {
	if err := initPaste(); err != nil {
		return "", err
	}
	return "keyboard event binding OK", nil
}
