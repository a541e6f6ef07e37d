package display

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keyboard bindings of the display
type KeyMap struct {
	Quit key.Binding
}

// DefaultKeyMap returns the default key bindings
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
