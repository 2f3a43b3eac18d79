package execution

// Messages exchanged with the sandbox runner. One websocket carries one
// job: the bridge sends init, the runner acknowledges with runtime, then
// streams stage/data/exit messages and closes with closeJobCompleted.

type runnerFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type initMessage struct {
	Type               string       `json:"type"`
	Language           string       `json:"language"`
	Version            string       `json:"version"`
	Files              []runnerFile `json:"files"`
	Args               []string     `json:"args,omitempty"`
	Stdin              string       `json:"stdin,omitempty"`
	CompileTimeout     int64        `json:"compile_timeout,omitempty"`
	RunTimeout         int64        `json:"run_timeout,omitempty"`
	CompileMemoryLimit int64        `json:"compile_memory_limit,omitempty"`
	RunMemoryLimit     int64        `json:"run_memory_limit,omitempty"`
}

type dataMessage struct {
	Type   string `json:"type"`
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

type signalMessage struct {
	Type   string `json:"type"`
	Signal string `json:"signal"`
}

// runnerMessage is the union of everything the runner sends
type runnerMessage struct {
	Type     string  `json:"type"`
	Language string  `json:"language,omitempty"`
	Version  string  `json:"version,omitempty"`
	Stage    string  `json:"stage,omitempty"`
	Stream   string  `json:"stream,omitempty"`
	Data     string  `json:"data,omitempty"`
	Code     *int    `json:"code,omitempty"`
	Signal   *string `json:"signal,omitempty"`
	Status   string  `json:"status,omitempty"`
	Message  string  `json:"message,omitempty"`
	CPUTime  int64   `json:"cpu_time,omitempty"`
	WallTime int64   `json:"wall_time,omitempty"`
	Memory   int64   `json:"memory,omitempty"`
}

const (
	msgInit    = "init"
	msgRuntime = "runtime"
	msgStage   = "stage"
	msgData    = "data"
	msgExit    = "exit"
	msgError   = "error"
	msgSignal  = "signal"
)

// Stage result status codes reported by the runner
var statusNames = map[string]string{
	"RE": "runtime-error",
	"SG": "signal",
	"TO": "timeout",
	"OL": "output-limit",
	"EL": "error-limit",
	"XX": "internal-error",
}

// StatusName translates a runner status code; unknown codes pass through
func StatusName(code string) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return code
}

var validSignals = map[string]bool{
	"SIGABRT": true, "SIGALRM": true, "SIGBUS": true, "SIGCHLD": true,
	"SIGCONT": true, "SIGFPE": true, "SIGHUP": true, "SIGILL": true,
	"SIGINT": true, "SIGIO": true, "SIGKILL": true, "SIGPIPE": true,
	"SIGPROF": true, "SIGPWR": true, "SIGQUIT": true, "SIGSEGV": true,
	"SIGSTKFLT": true, "SIGSTOP": true, "SIGSYS": true, "SIGTERM": true,
	"SIGTRAP": true, "SIGTSTP": true, "SIGTTIN": true, "SIGTTOU": true,
	"SIGURG": true, "SIGUSR1": true, "SIGUSR2": true, "SIGVTALRM": true,
	"SIGWINCH": true, "SIGXCPU": true, "SIGXFSZ": true,
}
