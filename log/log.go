package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

var (
	WarningLog *log.Logger
	InfoLog    *log.Logger
	ErrorLog   *log.Logger
	DebugLog   *log.Logger
)

var debugEnabled = os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"

var globalLogFile *os.File

var logFileName = filepath.Join(os.TempDir(), "agentmux.log")

// Initialize should be called once at the beginning of the program to set up logging.
// defer Close() after calling this function. Logs go to a file in the os temp
// directory; the daemon variant uses its own file so the sweeper and the
// interactive process don't interleave.
func Initialize(daemon bool) {
	name := logFileName
	prefix := "%s"
	if daemon {
		name = filepath.Join(os.TempDir(), "agentmuxd.log")
		prefix = "[DAEMON] %s"
	}

	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		// Fallback to stderr
		setOutput(os.Stderr, prefix)
		fmt.Fprintf(os.Stderr, "Warning: using stderr for logging: %v\n", err)
		return
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	setOutput(f, prefix)
	globalLogFile = f
	logFileName = name
}

func setOutput(w io.Writer, prefix string) {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	InfoLog = log.New(w, fmt.Sprintf(prefix, "INFO:"), flags)
	WarningLog = log.New(w, fmt.Sprintf(prefix, "WARNING:"), flags)
	ErrorLog = log.New(w, fmt.Sprintf(prefix, "ERROR:"), flags)
	if debugEnabled {
		DebugLog = log.New(w, fmt.Sprintf(prefix, "DEBUG:"), flags)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}
}

func Close() {
	if globalLogFile != nil {
		_ = globalLogFile.Close()
		fmt.Println("wrote logs to " + logFileName)
	}
}

// Every is used to log at most once every timeout duration.
type Every struct {
	timeout time.Duration
	timer   *time.Timer
}

func NewEvery(timeout time.Duration) *Every {
	return &Every{timeout: timeout}
}

// ShouldLog returns true if the timeout has passed since the last log.
func (e *Every) ShouldLog() bool {
	if e.timer == nil {
		e.timer = time.NewTimer(e.timeout)
		e.timer.Reset(e.timeout)
		return true
	}

	select {
	case <-e.timer.C:
		e.timer.Reset(e.timeout)
		return true
	default:
		return false
	}
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return debugEnabled
}
