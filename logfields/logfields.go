package logfields

import "log/slog"

// Canonical log field names shared by the controller and the worker.
const (
	KeyPackage     = "package"
	KeyTaskID      = "task_id"
	KeyVersion     = "version"
	KeyContainerID = "container_id"
	KeyContainer   = "container"
	KeyQueue       = "queue"
	KeyDependency  = "dependency"
	KeyAttempt     = "attempt"
	KeyExitCode    = "exit_code"
	KeyError       = "error"
)

func Package(name string) slog.Attr { return slog.String(KeyPackage, name) }
func TaskID(id int64) slog.Attr { return slog.Int64(KeyTaskID, id) }
func Version(v string) slog.Attr { return slog.String(KeyVersion, v) }
func ContainerID(id string) slog.Attr { return slog.String(KeyContainerID, id) }
func Container(name string) slog.Attr { return slog.String(KeyContainer, name) }
func Queue(name string) slog.Attr { return slog.String(KeyQueue, name) }
func Dependency(name string) slog.Attr { return slog.String(KeyDependency, name) }
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }
func ExitCode(code int64) slog.Attr { return slog.Int64(KeyExitCode, code) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
