package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	debugEnabled bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects log lines, mostly useful to silence or capture them in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

// Fields are the key/value pairs serialized next to ts, level and msg.
type Fields map[string]any

func logWith(level, msg string, f Fields) {
	line := make(Fields, len(f)+3)
	for k, v := range f {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["level"] = level
	line["msg"] = msg
	b, err := json.Marshal(line)
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Warn(msg string, f Fields)  { logWith("warn", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	mu.Lock()
	on := debugEnabled
	mu.Unlock()
	if on {
		logWith("debug", msg, f)
	}
}
