// Package k8sspawn is the Kubernetes Job–backed alternative to
// agentproc's local-subprocess strategy. It implements runner.Spawner
// with one Job per coding/review attempt, RestartPolicy Never. Kill
// deletes the Job; a Job that finishes on its own is left in place for
// TTLSecondsAfterFinished (one hour) to remove.
//
// The agent's output.log/result.json/heartbeat.json still live under
// spec.ActiveDir exactly as in the local-subprocess case; k8sspawn
// assumes that path is backed by a volume mounted identically into both
// the orchestrator host and the Job's pod (a shared PVC in production),
// so PhaseExecutor finds result.json there after the Job ends. Unlike
// agentproc, a Process here polls only the Job's status (every 2s): it
// does not tail output.log, and spec.OnOutput is called only for a
// Job-creation error line.
package k8sspawn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"opensprint/internal/agentproc"
	"opensprint/internal/runner"
)

// pollInterval is how often watch() checks a Job's status; a var so
// tests can tighten it.
var pollInterval = 2 * time.Second

// Spawner implements runner.Spawner by running each agent invocation as
// a Kubernetes Job instead of a local subprocess.
type Spawner struct {
	Client     kubernetes.Interface
	Namespace  string
	PVCClaim   string // shared PersistentVolumeClaim name mounted at /workspace
	PullPolicy corev1.PullPolicy
}

// New builds a Spawner, preferring in-cluster config and falling back
// to ~/.kube/config.
func New(namespace, pvcClaim string) (*Spawner, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8sspawn: load kubeconfig: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8sspawn: build clientset: %w", err)
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Spawner{Client: clientset, Namespace: namespace, PVCClaim: pvcClaim, PullPolicy: corev1.PullIfNotPresent}, nil
}

// Spawn creates one Job running spec.Command/spec.Args and returns a
// Process tracking it. Job creation failures are handled the way
// agentproc.Spawn handles local exec failures: a synthetic error line
// plus an immediate onExit(1), so the PhaseExecutor state machine
// always progresses.
func (s *Spawner) Spawn(ctx context.Context, spec agentproc.Spec, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Process{spawner: s, spec: spec, logger: logger}

	jobName := jobNameFor(spec.TaskID, spec.Attempt)
	job := s.buildJob(jobName, spec)

	if _, err := s.Client.BatchV1().Jobs(s.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		logger.Error("k8sspawn: job create failed", "task", spec.TaskID, "error", err)
		_ = appendLine(spec.OutputLogPath(), fmt.Sprintf("[Agent error: %v]", err))
		if spec.OnOutput != nil {
			spec.OnOutput([]byte(fmt.Sprintf("[Agent error: %v]\n", err)))
		}
		if spec.OnExit != nil {
			spec.OnExit(1)
		}
		return p
	}

	p.jobName = jobName
	p.pollCtx, p.pollCancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})
	go p.watch()
	logger.Info("k8sspawn: job created", "task", spec.TaskID, "job", jobName, "namespace", s.Namespace)
	return p
}

func (s *Spawner) buildJob(jobName string, spec agentproc.Spec) *batchv1.Job {
	backoff := int32(0)
	ttl := int32(3600)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   jobName,
			Labels: map[string]string{"app": "opensprint-agent", "task": sanitizeLabel(spec.TaskID)},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "opensprint-agent"}},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:            "agent",
							Image:           agentImageFor(spec),
							ImagePullPolicy: s.PullPolicy,
							Command:         append([]string{spec.Command}, spec.Args...),
							Env:             envFromSlice(spec.Env),
							WorkingDir:      spec.WorkDir,
							VolumeMounts: []corev1.VolumeMount{
								{Name: "workspace", MountPath: "/workspace"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "workspace",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: s.PVCClaim},
							},
						},
					},
				},
			},
		},
	}
}

// agentImageFor resolves the container image the agent identity runs
// under; operators point OPENSPRINT_K8S_AGENT_IMAGE at a build carrying
// the claude-CLI/cursor/custom executables spec.Command names.
func agentImageFor(spec agentproc.Spec) string {
	if img := os.Getenv("OPENSPRINT_K8S_AGENT_IMAGE"); img != "" {
		return img
	}
	return "opensprint/agent-runtime:latest"
}

func envFromSlice(env []string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env))
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, corev1.EnvVar{Name: parts[0], Value: parts[1]})
	}
	return out
}

var labelSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func sanitizeLabel(id string) string {
	return strings.ToLower(labelSanitizer.ReplaceAllString(id, "-"))
}

func jobNameFor(taskID string, attempt int) string {
	return fmt.Sprintf("opensprint-agent-%s-%d", sanitizeLabel(taskID), attempt)
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// RunnerAdapter adapts *Spawner to runner.Spawner: Spawn's concrete
// *Process satisfies runner.AgentHandle (PID/Kill/Wait) on its own, so
// this is just the same kind of thin wrapper agentprocSpawner uses for
// agentproc.Spawn in runner/types.go.
type RunnerAdapter struct {
	Spawner *Spawner
}

// Spawn satisfies runner.Spawner.
func (a RunnerAdapter) Spawn(ctx context.Context, spec agentproc.Spec, logger *slog.Logger) runner.AgentHandle {
	return a.Spawner.Spawn(ctx, spec, logger)
}

// Process tracks one Job's lifecycle and implements runner.AgentHandle.
type Process struct {
	spawner *Spawner
	spec    agentproc.Spec
	logger  *slog.Logger

	jobName string

	pollCtx    context.Context
	pollCancel context.CancelFunc
	done       chan struct{}

	mu       sync.Mutex
	killed   bool
	notified bool
}

// PID has no meaning for a Job; 0 signals "no local pid" to callers
// like RecoveryCoordinator, which treats pid<=0 as not alive and so
// re-queues a Job-backed assignment instead of reattaching it.
func (p *Process) PID() int { return 0 }

// watch polls the Job's status until it completes or fails, then fires
// spec.OnExit exactly once, mirroring agentproc's exitNotified guard.
func (p *Process) watch() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.pollCtx.Done():
			return
		case <-ticker.C:
			job, err := p.spawner.Client.BatchV1().Jobs(p.spawner.Namespace).Get(context.Background(), p.jobName, metav1.GetOptions{})
			if err != nil {
				continue
			}
			switch {
			case job.Status.Succeeded > 0:
				p.fireExit(0)
				return
			case job.Status.Failed > 0:
				p.fireExit(1)
				return
			}
		}
	}
}

func (p *Process) fireExit(code int) {
	p.mu.Lock()
	if p.notified {
		p.mu.Unlock()
		return
	}
	p.notified = true
	p.mu.Unlock()

	if p.done != nil {
		close(p.done)
	}
	if p.pollCancel != nil {
		p.pollCancel()
	}
	p.logger.Info("k8sspawn: job finished", "task", p.spec.TaskID, "job", p.jobName, "code", code)
	if p.spec.OnExit != nil {
		p.spec.OnExit(code)
	}
}

// Kill deletes the Job (foreground propagation so pods are removed
// too), the Job-backed analogue of sending SIGTERM/SIGKILL to a local
// process group.
func (p *Process) Kill() {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.mu.Unlock()

	policy := metav1.DeletePropagationForeground
	_ = p.spawner.Client.BatchV1().Jobs(p.spawner.Namespace).Delete(context.Background(), p.jobName, metav1.DeleteOptions{PropagationPolicy: &policy})
	p.fireExit(-1)
}

// Wait blocks until the Job has reached a terminal state.
func (p *Process) Wait() {
	if p.done == nil {
		return
	}
	<-p.done
}
