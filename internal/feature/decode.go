package feature

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/g960059/relaykit/internal/command"
)

const (
	CommandResources  = "/resources"
	CommandListFiles  = "/files/list"
	CommandLogs       = "/logs"
	CommandPassword   = "/user/password"
	CommandDisconnect = "/server/disconnect"
)

// Commands lists every command this package has a call site for.
func Commands() []string {
	return []string{CommandResources, CommandListFiles, CommandLogs, CommandPassword, CommandDisconnect}
}

type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Disk   float64 `json:"disk"`
}

type FileEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	IsDir    bool   `json:"is_dir"`
	Size     int64  `json:"size,omitempty"`
	Modified string `json:"modified,omitempty"`
}

// LogLine accepts either a bare string or an object with time, level and
// message (or msg) fields.
type LogLine struct {
	Time    string `json:"time,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

func (l *LogLine) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &l.Message)
	}
	var raw struct {
		Time      string `json:"time"`
		Timestamp string `json:"timestamp"`
		Level     string `json:"level"`
		Message   string `json:"message"`
		Msg       string `json:"msg"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	l.Time = firstNonEmpty(raw.Time, raw.Timestamp)
	l.Level = raw.Level
	l.Message = firstNonEmpty(raw.Message, raw.Msg)
	return nil
}

// Result is the decoded data of one command. Exactly one typed field is set
// for known commands; Raw always holds the original payload.
type Result struct {
	Command   string          `json:"command"`
	Resources *Resources      `json:"resources,omitempty"`
	Files     []FileEntry     `json:"files,omitempty"`
	Logs      []LogLine       `json:"logs,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// Decode maps a data payload onto the typed shape for its command. Unknown
// commands keep only Raw.
func Decode(cmd string, data json.RawMessage) (Result, error) {
	res := Result{Command: cmd, Raw: data}
	switch cmd {
	case CommandResources:
		var r Resources
		if err := decodeObject(cmd, data, &r); err != nil {
			return res, err
		}
		res.Resources = &r
	case CommandListFiles:
		files, _, err := decodeList[FileEntry](cmd, data, "items")
		if err != nil {
			return res, err
		}
		res.Files = files
	case CommandLogs:
		logs, _, err := decodeList[LogLine](cmd, data, "items", "logs")
		if err != nil {
			return res, err
		}
		res.Logs = logs
	}
	return res, nil
}

func decodeObject(cmd string, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return decodeError(cmd, err)
	}
	return nil
}

// decodeList accepts a bare array or an object wrapping the array under one
// of wrappers. The second return names the shape that matched.
func decodeList[T any](cmd string, data json.RawMessage, wrappers ...string) ([]T, string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []T{}, "empty", nil
	}
	if trimmed[0] == '[' {
		var out []T
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, "", decodeError(cmd, err)
		}
		return out, "array", nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, "", decodeError(cmd, err)
	}
	for _, key := range wrappers {
		inner, ok := obj[key]
		if !ok {
			continue
		}
		var out []T
		if err := json.Unmarshal(inner, &out); err != nil {
			return nil, "", decodeError(cmd, err)
		}
		if out == nil {
			out = []T{}
		}
		return out, key, nil
	}
	return nil, "", decodeError(cmd, fmt.Errorf("expected array or one of {%s}", strings.Join(wrappers, ", ")))
}

func decodeError(cmd string, err error) error {
	return &command.Error{
		Kind:    command.KindInvalidResponse,
		Message: "decode " + cmd + " data",
		Err:     err,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
