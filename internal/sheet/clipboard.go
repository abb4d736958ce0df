package sheet

import "github.com/atotto/clipboard"

// SystemClipboard writes to the OS clipboard.
type SystemClipboard struct{}

func (SystemClipboard) WriteAll(text string) error {
	if clipboard.Unsupported {
		return nil
	}
	return clipboard.WriteAll(text)
}

// ReadAll returns the OS clipboard text.
func (SystemClipboard) ReadAll() (string, error) {
	if clipboard.Unsupported {
		return "", nil
	}
	return clipboard.ReadAll()
}
