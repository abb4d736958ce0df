package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Keymap struct {
	Normal map[string]string `toml:"normal"`
	Insert map[string]string `toml:"insert"`
}

type APIOptions struct {
	BaseURL            string `toml:"base-url"`
	Timeout            string `toml:"timeout"`
	TokenRefreshMargin string `toml:"token-refresh-margin"`
	UploadMode         string `toml:"upload-mode"` // "multipart" or "base64"
	OutputFormat       string `toml:"output-format"`
	ConsolidationMode  string `toml:"consolidation-strategy"`
	WakeAttempts       int    `toml:"wake-attempts"`
	KeepAliveInterval  string `toml:"keep-alive-interval"`
	HistoryPageSize    int    `toml:"history-page-size"`
	DownloadDir        string `toml:"download-dir"`
}

type WebSocketOptions struct {
	URL                  string `toml:"url"`
	MaxReconnectAttempts int    `toml:"max-reconnect-attempts"`
	ReconnectDelay       string `toml:"reconnect-delay"`
}

type AuthOptions struct {
	AccessToken  string `toml:"access-token"`
	RefreshToken string `toml:"refresh-token"`
	TokenURL     string `toml:"token-url"`
	APIKey       string `toml:"api-key"`
}

type EditorOptions struct {
	MaxRows        int    `toml:"max-rows"`
	MaxCols        int    `toml:"max-cols"`
	ColumnWidth    int    `toml:"column-width"`
	Locale         string `toml:"locale"`
	CurrencySymbol string `toml:"currency-symbol"`
	DateLayout     string `toml:"date-layout"`
}

type Theme struct {
	Theme                 string `toml:"theme"`
	Foreground            string `toml:"foreground"`
	Background            string `toml:"background"`
	HeaderForeground      string `toml:"header-foreground"`
	HeaderBackground      string `toml:"header-background"`
	CursorForeground      string `toml:"cursor-foreground"`
	CursorBackground      string `toml:"cursor-background"`
	SelectionForeground   string `toml:"selection-foreground"`
	SelectionBackground   string `toml:"selection-background"`
	StatuslineForeground  string `toml:"statusline-foreground"`
	StatuslineBackground  string `toml:"statusline-background"`
	CommandlineForeground string `toml:"commandline-foreground"`
	CommandlineBackground string `toml:"commandline-background"`
}

type Config struct {
	// Debug lowers the log level; OCRSHEET_DEBUG does the same.
	Debug     bool             `toml:"debug"`
	API       APIOptions       `toml:"api"`
	WebSocket WebSocketOptions `toml:"websocket"`
	Auth      AuthOptions      `toml:"auth"`
	Editor    EditorOptions    `toml:"editor"`
	Theme     Theme            `toml:"theme"`
	Keymap    Keymap           `toml:"keymap"`
}

func Default() Config {
	return Config{
		API: APIOptions{
			BaseURL:            "http://localhost:8000",
			Timeout:            "30s",
			TokenRefreshMargin: "5m",
			UploadMode:         "multipart",
			OutputFormat:       "xlsx",
			ConsolidationMode:  "consolidated",
			WakeAttempts:       3,
			KeepAliveInterval:  "30s",
			HistoryPageSize:    20,
			DownloadDir:        ".",
		},
		WebSocket: WebSocketOptions{
			MaxReconnectAttempts: 5,
			ReconnectDelay:       "1s",
		},
		Editor: EditorOptions{
			MaxRows:        1000,
			MaxCols:        100,
			ColumnWidth:    14,
			Locale:         "en-US",
			CurrencySymbol: "$",
			DateLayout:     "1/2/2006",
		},
		Theme: Theme{
			Foreground:            "#B3B1AD",
			Background:            "#0A0E14",
			HeaderForeground:      "#E6B450",
			HeaderBackground:      "#0F1419",
			CursorForeground:      "#0A0E14",
			CursorBackground:      "#E6B450",
			SelectionForeground:   "#B3B1AD",
			SelectionBackground:   "#27425A",
			StatuslineForeground:  "#B3B1AD",
			StatuslineBackground:  "#0F1419",
			CommandlineForeground: "#B3B1AD",
			CommandlineBackground: "#0F1419",
		},
		Keymap: Keymap{
			Normal: map[string]string{
				"h":           "move_left",
				"j":           "move_down",
				"k":           "move_up",
				"l":           "move_right",
				"left":        "move_left",
				"down":        "move_down",
				"up":          "move_up",
				"right":       "move_right",
				"tab":         "move_right",
				"shift+tab":   "move_left",
				"shift+left":  "extend_left",
				"shift+right": "extend_right",
				"shift+up":    "extend_up",
				"shift+down":  "extend_down",
				"H":           "extend_left",
				"J":           "extend_down",
				"K":           "extend_up",
				"L":           "extend_right",
				"home":        "row_start",
				"end":         "row_end",
				"ctrl+home":   "sheet_start",
				"ctrl+end":    "sheet_end",
				"pgup":        "page_up",
				"pgdn":        "page_down",
				"enter":       "edit_cell",
				"i":           "edit_cell",
				"e":           "edit_header",
				"V":           "select_row",
				"C":           "select_column",
				"esc":         "deselect",
				"u":           "undo",
				"U":           "redo",
				"ctrl+z":      "undo",
				"ctrl+r":      "redo",
				"y":           "copy",
				"ctrl+c":      "copy",
				"p":           "paste",
				"ctrl+v":      "paste",
				"d":           "clear_selection",
				"del":         "clear_selection",
				"o":           "append_row",
				"<":           "move_column_left",
				">":           "move_column_right",
				":":           "enter_command",
				"ctrl+s":      "save",
				"ctrl+q":      "quit",
			},
			Insert: map[string]string{
				"esc":       "cancel_edit",
				"enter":     "commit_edit",
				"tab":       "commit_right",
				"backspace": "backspace",
				"left":      "cursor_left",
				"right":     "cursor_right",
				"home":      "cursor_start",
				"end":       "cursor_end",
			},
		},
	}
}

func Load() (Config, error) {
	cfg := Default()
	path, err := ConfigPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	var userCfg Config
	if _, err := toml.Decode(string(data), &userCfg); err != nil {
		return cfg, err
	}

	cfg.Debug = userCfg.Debug
	mergeAPI(&cfg.API, userCfg.API)
	if userCfg.WebSocket.URL != "" {
		cfg.WebSocket.URL = userCfg.WebSocket.URL
	}
	if userCfg.WebSocket.MaxReconnectAttempts > 0 {
		cfg.WebSocket.MaxReconnectAttempts = userCfg.WebSocket.MaxReconnectAttempts
	}
	if userCfg.WebSocket.ReconnectDelay != "" {
		cfg.WebSocket.ReconnectDelay = userCfg.WebSocket.ReconnectDelay
	}
	if userCfg.Auth.AccessToken != "" {
		cfg.Auth.AccessToken = userCfg.Auth.AccessToken
	}
	if userCfg.Auth.RefreshToken != "" {
		cfg.Auth.RefreshToken = userCfg.Auth.RefreshToken
	}
	if userCfg.Auth.TokenURL != "" {
		cfg.Auth.TokenURL = userCfg.Auth.TokenURL
	}
	if userCfg.Auth.APIKey != "" {
		cfg.Auth.APIKey = userCfg.Auth.APIKey
	}
	if userCfg.Editor.MaxRows > 0 {
		cfg.Editor.MaxRows = userCfg.Editor.MaxRows
	}
	if userCfg.Editor.MaxCols > 0 {
		cfg.Editor.MaxCols = userCfg.Editor.MaxCols
	}
	if userCfg.Editor.ColumnWidth > 0 {
		cfg.Editor.ColumnWidth = userCfg.Editor.ColumnWidth
	}
	if userCfg.Editor.Locale != "" {
		cfg.Editor.Locale = userCfg.Editor.Locale
	}
	if userCfg.Editor.CurrencySymbol != "" {
		cfg.Editor.CurrencySymbol = userCfg.Editor.CurrencySymbol
	}
	if userCfg.Editor.DateLayout != "" {
		cfg.Editor.DateLayout = userCfg.Editor.DateLayout
	}
	if userCfg.Theme.Theme != "" {
		cfg.Theme.Theme = userCfg.Theme.Theme
	}
	if cfg.Theme.Theme != "" {
		theme, err := LoadTheme(cfg.Theme.Theme)
		if err != nil {
			return cfg, err
		}
		mergeTheme(&cfg.Theme, theme)
	}
	mergeTheme(&cfg.Theme, userCfg.Theme)
	if userCfg.Keymap.Normal != nil {
		for k, v := range userCfg.Keymap.Normal {
			cfg.Keymap.Normal[k] = v
		}
	}
	if userCfg.Keymap.Insert != nil {
		for k, v := range userCfg.Keymap.Insert {
			cfg.Keymap.Insert[k] = v
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func mergeAPI(dst *APIOptions, src APIOptions) {
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.Timeout != "" {
		dst.Timeout = src.Timeout
	}
	if src.TokenRefreshMargin != "" {
		dst.TokenRefreshMargin = src.TokenRefreshMargin
	}
	if src.UploadMode != "" {
		dst.UploadMode = src.UploadMode
	}
	if src.OutputFormat != "" {
		dst.OutputFormat = src.OutputFormat
	}
	if src.ConsolidationMode != "" {
		dst.ConsolidationMode = src.ConsolidationMode
	}
	if src.WakeAttempts > 0 {
		dst.WakeAttempts = src.WakeAttempts
	}
	if src.KeepAliveInterval != "" {
		dst.KeepAliveInterval = src.KeepAliveInterval
	}
	if src.HistoryPageSize > 0 {
		dst.HistoryPageSize = src.HistoryPageSize
	}
	if src.DownloadDir != "" {
		dst.DownloadDir = src.DownloadDir
	}
}

// applyEnv lets the environment override the backend endpoints and the
// access token. The NEXT_PUBLIC_ names are read so an existing web client
// .env can be reused.
func applyEnv(cfg *Config) {
	if v := firstEnv("OCRSHEET_API_URL", "NEXT_PUBLIC_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := firstEnv("OCRSHEET_WS_URL", "NEXT_PUBLIC_WS_URL"); v != "" {
		cfg.WebSocket.URL = v
	}
	if v := os.Getenv("OCRSHEET_TOKEN"); v != "" {
		cfg.Auth.AccessToken = v
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func mergeTheme(dst *Theme, src Theme) {
	if src.Foreground != "" {
		dst.Foreground = src.Foreground
	}
	if src.Background != "" {
		dst.Background = src.Background
	}
	if src.HeaderForeground != "" {
		dst.HeaderForeground = src.HeaderForeground
	}
	if src.HeaderBackground != "" {
		dst.HeaderBackground = src.HeaderBackground
	}
	if src.CursorForeground != "" {
		dst.CursorForeground = src.CursorForeground
	}
	if src.CursorBackground != "" {
		dst.CursorBackground = src.CursorBackground
	}
	if src.SelectionForeground != "" {
		dst.SelectionForeground = src.SelectionForeground
	}
	if src.SelectionBackground != "" {
		dst.SelectionBackground = src.SelectionBackground
	}
	if src.StatuslineForeground != "" {
		dst.StatuslineForeground = src.StatuslineForeground
	}
	if src.StatuslineBackground != "" {
		dst.StatuslineBackground = src.StatuslineBackground
	}
	if src.CommandlineForeground != "" {
		dst.CommandlineForeground = src.CommandlineForeground
	}
	if src.CommandlineBackground != "" {
		dst.CommandlineBackground = src.CommandlineBackground
	}
}

// WebSocketURL returns the configured stream endpoint, or one derived from
// the API base URL by swapping the scheme.
func (c Config) WebSocketURL() string {
	if c.WebSocket.URL != "" {
		return strings.TrimRight(c.WebSocket.URL, "/")
	}
	base := strings.TrimRight(c.API.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// Duration parses a config duration such as "30s", returning fallback when
// the value is empty or malformed.
func Duration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func ThemePath(name string) (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "theme", name+".toml"), nil
}

func LoadTheme(name string) (Theme, error) {
	path, err := ThemePath(name)
	if err != nil {
		return Theme{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Theme{}, err
	}
	var t Theme
	if _, err := toml.Decode(string(data), &t); err == nil {
		return t, nil
	}
	var wrap struct {
		Theme Theme `toml:"theme"`
	}
	if _, err := toml.Decode(string(data), &wrap); err != nil {
		return Theme{}, err
	}
	return wrap.Theme, nil
}

func ConfigDir() (string, error) {
	if v := os.Getenv("OCRSHEET_CONFIG_HOME"); v != "" {
		return filepath.Join(v), nil
	}
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "ocrsheet"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ocrsheet"), nil
}

func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}
