package editor

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

func keyString(ev *tcell.EventKey) string {
	mods := ev.Modifiers()
	if mods&tcell.ModShift != 0 && mods&(tcell.ModAlt|tcell.ModCtrl|tcell.ModMeta) == 0 {
		switch ev.Key() {
		case tcell.KeyUp:
			return "shift+up"
		case tcell.KeyDown:
			return "shift+down"
		case tcell.KeyLeft:
			return "shift+left"
		case tcell.KeyRight:
			return "shift+right"
		}
	}
	if mods&tcell.ModAlt != 0 {
		switch ev.Key() {
		case tcell.KeyUp:
			return "alt+up"
		case tcell.KeyDown:
			return "alt+down"
		case tcell.KeyLeft:
			return "alt+left"
		case tcell.KeyRight:
			return "alt+right"
		}
	}
	if mods&tcell.ModCtrl != 0 {
		switch ev.Key() {
		case tcell.KeyHome:
			return "ctrl+home"
		case tcell.KeyEnd:
			return "ctrl+end"
		}
	}
	if mods&tcell.ModMeta != 0 && ev.Key() == tcell.KeyRune {
		r := ev.Rune()
		if r == ' ' {
			return "cmd+space"
		}
		return "cmd+" + strings.ToLower(string(r))
	}
	if ev.Key() == tcell.KeyRune {
		r := ev.Rune()
		if r == ' ' {
			return "space"
		}
		return string(r)
	}
	// These share codes with ctrl+i, ctrl+m and ctrl+h.
	switch ev.Key() {
	case tcell.KeyTab:
		if mods&tcell.ModShift != 0 {
			return "shift+tab"
		}
		return "tab"
	case tcell.KeyBacktab:
		return "shift+tab"
	case tcell.KeyEnter:
		return "enter"
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		return "backspace"
	}
	if name := ctrlKeyName(ev.Key()); name != "" {
		return name
	}
	switch ev.Key() {
	case tcell.KeyUp:
		return "up"
	case tcell.KeyDown:
		return "down"
	case tcell.KeyLeft:
		return "left"
	case tcell.KeyRight:
		return "right"
	case tcell.KeyPgUp:
		return "pgup"
	case tcell.KeyPgDn:
		return "pgdn"
	case tcell.KeyHome:
		return "home"
	case tcell.KeyEnd:
		return "end"
	case tcell.KeyDelete:
		return "del"
	case tcell.KeyEscape:
		return "esc"
	}
	return ""
}

// keyStringForMap folds cmd+home/end onto cmd+left/right when only the
// latter are bound.
func keyStringForMap(ev *tcell.EventKey, keymap map[string]string) string {
	if ev.Modifiers()&tcell.ModMeta != 0 {
		switch ev.Key() {
		case tcell.KeyHome:
			if _, ok := keymap["cmd+left"]; ok {
				return "cmd+left"
			}
		case tcell.KeyEnd:
			if _, ok := keymap["cmd+right"]; ok {
				return "cmd+right"
			}
		}
	}
	return keyString(ev)
}

func ctrlKeyName(key tcell.Key) string {
	if key >= tcell.KeyCtrlA && key <= tcell.KeyCtrlZ {
		return "ctrl+" + string(rune('a'+int(key-tcell.KeyCtrlA)))
	}
	return ""
}
