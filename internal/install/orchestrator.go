package install

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"helmsman/internal/events"
	"helmsman/internal/machines"
	"helmsman/internal/sshx"
	"helmsman/internal/vault"
)

// ErrInstallInProgress is returned when a machine already has a
// running installation job.
var ErrInstallInProgress = errors.New("install: installation already in progress")

// ErrNotInstallable is returned when the machine is not in the
// installing state. Failed machines must be deleted and re-added.
var ErrNotInstallable = errors.New("install: machine is not awaiting installation")

// JobState is the lifecycle of one installation job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job tracks one installation run. Snapshots are returned by
// Orchestrator.Job; the orchestrator owns the live copy.
type Job struct {
	ID         string    `json:"id"`
	MachineID  int64     `json:"machine_id"`
	Stage      string    `json:"stage"`
	State      JobState  `json:"state"`
	Error      string    `json:"error,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	done chan struct{}
}

// Orchestrator runs installation pipelines, one per machine at a time.
type Orchestrator struct {
	db          *sql.DB
	bus         *events.Bus
	vault       *vault.Vault
	controlURL  string
	probeBinary string
	dial        sshx.DialFunc

	// Intervals baked into each probe's config file.
	HeartbeatInterval time.Duration
	DiscoveryInterval time.Duration

	mu       sync.Mutex
	inflight map[int64]string // machine id → job id
	jobs     map[string]*Job
}

// New creates an orchestrator. controlURL is the server's advertised
// base URL; probeBinary is the path of the probe build pushed to
// targets. dial defaults to the real SSH dialer when nil.
func New(dbc *sql.DB, bus *events.Bus, v *vault.Vault, controlURL, probeBinary string, dial sshx.DialFunc) *Orchestrator {
	if dial == nil {
		dial = func(host string, port int, cred sshx.Credentials) (sshx.Runner, error) {
			return sshx.Dial(host, port, cred)
		}
	}
	return &Orchestrator{
		db:          dbc,
		bus:         bus,
		vault:       v,
		controlURL:  controlURL,
		probeBinary: probeBinary,
		dial:        dial,

		HeartbeatInterval: time.Minute,
		DiscoveryInterval: 30 * time.Second,

		inflight: make(map[int64]string),
		jobs:     make(map[string]*Job),
	}
}

// Start launches an installation for a machine and returns the job ID.
// Only machines in the installing state are eligible, and a machine
// never has two concurrent jobs.
func (o *Orchestrator) Start(machineID int64) (string, error) {
	m, err := machines.GetByID(o.db, machineID)
	if err != nil {
		return "", err
	}
	if m.Status != machines.StatusInstalling {
		return "", fmt.Errorf("%w (status %s)", ErrNotInstallable, m.Status)
	}

	o.mu.Lock()
	if jobID, busy := o.inflight[machineID]; busy {
		o.mu.Unlock()
		return jobID, ErrInstallInProgress
	}
	j := &Job{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Stage:     StageStart,
		State:     JobRunning,
		StartedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	o.inflight[machineID] = j.ID
	o.jobs[j.ID] = j
	o.mu.Unlock()

	go o.run(j, m)
	return j.ID, nil
}

// Job returns a snapshot of a job, or nil if unknown.
func (o *Orchestrator) Job(jobID string) *Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return nil
	}
	snapshot := *j
	snapshot.Warnings = append([]string(nil), j.Warnings...)
	return &snapshot
}

// JobForMachine returns the machine's most recent job snapshot, or nil.
func (o *Orchestrator) JobForMachine(machineID int64) *Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	var latest *Job
	for _, j := range o.jobs {
		if j.MachineID != machineID {
			continue
		}
		if latest == nil || j.StartedAt.After(latest.StartedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil
	}
	snapshot := *latest
	snapshot.Warnings = append([]string(nil), latest.Warnings...)
	return &snapshot
}

func (o *Orchestrator) setStage(j *Job, stage string) {
	o.mu.Lock()
	j.Stage = stage
	o.mu.Unlock()
}

func (o *Orchestrator) warn(j *Job, msg string) {
	o.mu.Lock()
	j.Warnings = append(j.Warnings, msg)
	o.mu.Unlock()
}

func (o *Orchestrator) finish(j *Job, state JobState, errMsg string) {
	o.mu.Lock()
	j.State = state
	j.Error = errMsg
	j.FinishedAt = time.Now().UTC()
	delete(o.inflight, j.MachineID)
	o.mu.Unlock()
	close(j.done)
}

// run executes the pipeline. The agent token is persisted before any
// remote contact so the probe's registration callback can never race
// an unsaved token.
func (o *Orchestrator) run(j *Job, m *machines.Machine) {
	log.Printf("[Install] Starting installation job %s for machine %q", j.ID, m.Name)
	logStage(o.db, m.ID, StageStart, fmt.Sprintf("Installation started (job %s)", j.ID), "", true)
	o.bus.Publish(events.Event{
		Type:      events.InstallStarted,
		Severity:  events.SeverityInfo,
		MachineID: m.ID,
		Message:   fmt.Sprintf("Installation started for %q", m.Name),
		Metadata:  map[string]string{"job_id": j.ID},
	})

	o.setStage(j, StageMachineInfo)
	logStage(o.db, m.ID, StageMachineInfo,
		fmt.Sprintf("Target %s@%s:%d, agent port %d", m.SSHUsername, m.IPAddress, m.SSHPort, m.AgentPort), "", true)

	// CREDENTIALS: decrypt the stored secret.
	o.setStage(j, StageCredentials)
	cred, sudoPassword, err := o.loadCredentials(m)
	if err != nil {
		o.fail(j, m, StageCredentials, err)
		return
	}
	logStage(o.db, m.ID, StageCredentials, "Credentials decrypted", "", true)

	// TOKEN: fresh bearer token for this install.
	o.setStage(j, StageToken)
	token, err := newToken()
	if err != nil {
		o.fail(j, m, StageToken, err)
		return
	}
	logStage(o.db, m.ID, StageToken, "Agent token generated", "", true)

	// UPDATE_DATABASE: persist the token before touching the host.
	o.setStage(j, StageUpdateDatabase)
	if err := machines.SetAgentEndpoint(o.db, m.ID, token, m.AgentPort); err != nil {
		o.fail(j, m, StageUpdateDatabase, err)
		return
	}
	logStage(o.db, m.ID, StageUpdateDatabase, "Agent token persisted", "", true)

	// CONFIG: render the bootstrap script.
	o.setStage(j, StageConfig)
	controlURL := m.ControlServerURL
	if controlURL == "" {
		controlURL = o.controlURL
	}
	if isLoopback(controlURL) {
		warning := fmt.Sprintf("Control URL %q is a loopback address; the probe on %s will not be able to reach it", controlURL, m.IPAddress)
		logStage(o.db, m.ID, StageConfigWarning, warning, "", true)
		o.warn(j, warning)
		log.Printf("[Install] %s", warning)
	}
	script, err := renderScript(o.probeBinary, probeConfig{
		ControlServerURL:  controlURL,
		AgentToken:        token,
		AgentPort:         m.AgentPort,
		HeartbeatInterval: int(o.HeartbeatInterval.Seconds()),
		DiscoveryInterval: int(o.DiscoveryInterval.Seconds()),
	})
	if err != nil {
		o.fail(j, m, StageConfig, err)
		return
	}
	logStage(o.db, m.ID, StageConfig, fmt.Sprintf("Bootstrap script rendered (%d bytes)", len(script)), "", true)

	// SSH_CONNECT
	o.setStage(j, StageSSHConnect)
	runner, err := o.dial(m.IPAddress, m.SSHPort, cred)
	if err != nil {
		o.fail(j, m, StageSSHConnect, err)
		return
	}
	defer runner.Close()
	logStage(o.db, m.ID, StageSSHConnect, fmt.Sprintf("Connected to %s:%d", m.IPAddress, m.SSHPort), "", true)

	// UPLOAD_SCRIPT: stream the script over stdin.
	o.setStage(j, StageUploadScript)
	if _, stderr, err := runner.Run("cat > "+remoteScriptPath, script); err != nil {
		o.fail(j, m, StageUploadScript, fmt.Errorf("upload script: %w (%s)", err, strings.TrimSpace(stderr)))
		return
	}
	logStage(o.db, m.ID, StageUploadScript, "Bootstrap script uploaded to "+remoteScriptPath, "", true)

	// CHMOD
	o.setStage(j, StageChmod)
	if _, stderr, err := runner.Run("chmod +x "+remoteScriptPath, ""); err != nil {
		o.fail(j, m, StageChmod, fmt.Errorf("chmod script: %w (%s)", err, strings.TrimSpace(stderr)))
		return
	}
	logStage(o.db, m.ID, StageChmod, "Script marked executable", "", true)

	// EXECUTE: run the installer, with the right sudo flavor.
	o.setStage(j, StageExecute)
	command, stdin := executeCommand(cred.Username, sudoPassword)
	stdout, stderr, err := runner.Run(command, stdin)
	logStage(o.db, m.ID, StageExecute, stdout, stderr, err == nil)
	if err != nil {
		o.fail(j, m, StageExecute, fmt.Errorf("remote execution: %w", err))
		return
	}

	// VERIFY_AGENT: best effort, the heartbeat is the real signal.
	o.setStage(j, StageVerifyAgent)
	healthCmd := fmt.Sprintf("curl -fsS --max-time 5 http://127.0.0.1:%d/health", m.AgentPort)
	if out, stderr, err := runner.Run(healthCmd, ""); err != nil {
		warning := fmt.Sprintf("Probe health check failed: %v", err)
		logStage(o.db, m.ID, StageVerifyAgent, out, stderr, false)
		o.warn(j, warning)
		log.Printf("[Install] %s (machine %q)", warning, m.Name)
	} else {
		logStage(o.db, m.ID, StageVerifyAgent, "Probe responded on /health", "", true)
	}

	// CLEANUP: best effort.
	o.setStage(j, StageCleanup)
	if _, stderr, err := runner.Run("rm -f "+remoteScriptPath, ""); err != nil {
		logStage(o.db, m.ID, StageCleanup, "", fmt.Sprintf("cleanup failed: %v (%s)", err, stderr), false)
	} else {
		logStage(o.db, m.ID, StageCleanup, "Bootstrap script removed", "", true)
	}

	o.setStage(j, StageSuccess)
	logStage(o.db, m.ID, StageSuccess, "Installation completed; waiting for probe registration", "", true)
	log.Printf("[Install] Installation job %s for machine %q completed", j.ID, m.Name)
	o.bus.Publish(events.Event{
		Type:      events.InstallCompleted,
		Severity:  events.SeverityInfo,
		MachineID: m.ID,
		Message:   fmt.Sprintf("Installation completed for %q", m.Name),
		Metadata:  map[string]string{"job_id": j.ID},
	})
	o.finish(j, JobSucceeded, "")
}

func (o *Orchestrator) fail(j *Job, m *machines.Machine, stage string, err error) {
	log.Printf("[Install] Job %s failed at %s: %v", j.ID, stage, err)
	logStage(o.db, m.ID, StageFatalError, "Failed at stage "+stage, err.Error(), false)

	if serr := machines.SetStatus(o.db, m.ID, machines.StatusError); serr != nil {
		log.Printf("[Install] Failed to mark machine %d errored: %v", m.ID, serr)
	}
	o.bus.Publish(events.Event{
		Type:      events.InstallFailed,
		Severity:  events.SeverityCritical,
		MachineID: m.ID,
		Message:   fmt.Sprintf("Installation failed for %q at %s: %v", m.Name, stage, err),
		Metadata:  map[string]string{"job_id": j.ID, "stage": stage},
	})
	o.finish(j, JobFailed, err.Error())
}

// loadCredentials fetches and decrypts the machine's SSH secret. The
// sudo password comes back separately: it feeds the installer's stdin,
// not the SSH handshake.
func (o *Orchestrator) loadCredentials(m *machines.Machine) (sshx.Credentials, string, error) {
	stored, err := machines.GetCredential(o.db, m.ID)
	if err != nil {
		return sshx.Credentials{}, "", fmt.Errorf("load credential: %w", err)
	}
	if stored == nil {
		return sshx.Credentials{}, "", errors.New("no SSH credential stored for machine")
	}

	cred := sshx.Credentials{Username: m.SSHUsername}
	switch stored.AuthMethod {
	case machines.AuthPassword:
		cred.Password, err = o.vault.Decrypt(stored.EncryptedPassword)
	case machines.AuthKey:
		cred.PrivateKey, err = o.vault.Decrypt(stored.EncryptedPrivateKey)
	default:
		return sshx.Credentials{}, "", fmt.Errorf("unknown auth method %q", stored.AuthMethod)
	}
	if err != nil {
		return sshx.Credentials{}, "", fmt.Errorf("decrypt credential: %w", err)
	}

	var sudoPassword string
	if stored.RequiresSudo && stored.EncryptedSudoPassword != "" {
		sudoPassword, err = o.vault.Decrypt(stored.EncryptedSudoPassword)
		if err != nil {
			return sshx.Credentials{}, "", fmt.Errorf("decrypt sudo password: %w", err)
		}
	} else if stored.RequiresSudo && stored.AuthMethod == machines.AuthPassword {
		// sudo typically accepts the login password.
		sudoPassword = cred.Password
	}
	return cred, sudoPassword, nil
}

// executeCommand picks the remote invocation for the installer. Root
// runs it directly; other users go through sudo, piping the password
// on stdin when one is available.
func executeCommand(username, sudoPassword string) (command, stdin string) {
	if username == "root" {
		return "bash " + remoteScriptPath, ""
	}
	if sudoPassword != "" {
		return "sudo -S -p '' bash " + remoteScriptPath, sudoPassword + "\n"
	}
	return "sudo -n bash " + remoteScriptPath, ""
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// isLoopback reports whether the control URL points at the server's
// own loopback interface, which a remote probe cannot reach.
func isLoopback(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
