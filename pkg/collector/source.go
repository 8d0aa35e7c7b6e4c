package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// Source opens a stream of raw log lines.
type Source interface {
	Name() string
	Stream(ctx context.Context) (io.ReadCloser, error)
}

// ReaderSource serves a fixed reader once.
type ReaderSource struct {
	Label  string
	Reader io.Reader
}

func (s *ReaderSource) Name() string { return s.Label }

func (s *ReaderSource) Stream(context.Context) (io.ReadCloser, error) {
	if rc, ok := s.Reader.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(s.Reader), nil
}

// PodLogSource follows the container log of a pod, starting from new lines.
type PodLogSource struct {
	Client    kubernetes.Interface
	Namespace string
	Pod       string
	Container string
}

func (s *PodLogSource) Name() string { return "pod/" + s.Namespace + "/" + s.Pod }

func (s *PodLogSource) Stream(ctx context.Context) (io.ReadCloser, error) {
	var tail int64
	req := s.Client.CoreV1().Pods(s.Namespace).GetLogs(s.Pod, &corev1.PodLogOptions{
		Container: s.Container,
		Follow:    true,
		TailLines: &tail,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream logs of %s: %w", s.Pod, err)
	}
	return rc, nil
}

// Execer runs a command inside a pod container.
type Execer interface {
	Exec(ctx context.Context, pod, container string, cmd []string, stdout, stderr io.Writer) error
}

// PodExecer runs commands through the pods/exec subresource.
type PodExecer struct {
	Config    *rest.Config
	Client    kubernetes.Interface
	Namespace string
}

func (e *PodExecer) Exec(ctx context.Context, pod, container string, cmd []string, stdout, stderr io.Writer) error {
	req := e.Client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(e.Namespace).
		Name(pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(e.Config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("create executor for %s: %w", pod, err)
	}
	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: stdout, Stderr: stderr})
}

// ExecTailSource follows the MySQL general query log inside a database pod.
// It enables the general log, resolves its path and then runs tail -F on it.
type ExecTailSource struct {
	Execer          Execer
	Pod             string
	Container       string
	Password        string
	ResolveInterval time.Duration
	Log             *logrus.Logger
}

func (s *ExecTailSource) Name() string { return "exec/" + s.Pod }

func (s *ExecTailSource) Stream(ctx context.Context) (io.ReadCloser, error) {
	path, err := s.ResolveGeneralLog(ctx)
	if err != nil {
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{"pod": s.Pod, "path": path}).Info("Following database general log")

	pr, pw := io.Pipe()
	go func() {
		err := s.Execer.Exec(ctx, s.Pod, s.Container, []string{"tail", "-F", "-n", "0", path}, pw, pw)
		if err == nil {
			err = io.EOF
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// ResolveGeneralLog retries until the general log is on and its path known.
func (s *ExecTailSource) ResolveGeneralLog(ctx context.Context) (string, error) {
	interval := s.ResolveInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var path string
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		if _, err := s.mysql(ctx, "SET GLOBAL general_log = 'ON';"); err != nil {
			s.Log.WithError(err).WithField("pod", s.Pod).Warn("Failed to enable general log, retrying")
			return false, nil
		}
		out, err := s.mysql(ctx, "SELECT @@general_log_file;")
		if err != nil {
			s.Log.WithError(err).WithField("pod", s.Pod).Warn("Failed to query general log path, retrying")
			return false, nil
		}
		p, ok := ParseLogPath(out)
		if !ok {
			s.Log.WithField("pod", s.Pod).Warn("General log path not reported yet, retrying")
			return false, nil
		}
		path = p
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("resolve general log of %s: %w", s.Pod, err)
	}
	return path, nil
}

func (s *ExecTailSource) mysql(ctx context.Context, statement string) (string, error) {
	cmd := []string{"mysql", "-uroot"}
	if s.Password != "" {
		cmd = append(cmd, "-p"+s.Password)
	}
	cmd = append(cmd, "-N", "-e", statement)

	var stdout, stderr bytes.Buffer
	if err := s.Execer.Exec(ctx, s.Pod, s.Container, cmd, &stdout, &stderr); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String() + stderr.String(), nil
}

// ParseLogPath picks the first absolute path from mysql client output,
// skipping warnings.
func ParseLogPath(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/") && !strings.Contains(line, "Warning") {
			return line, true
		}
	}
	return "", false
}

// DiscoverPods lists running pods in namespace whose name starts with prefix.
func DiscoverPods(ctx context.Context, client kubernetes.Interface, namespace, prefix string) ([]corev1.Pod, error) {
	list, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", namespace, err)
	}
	var pods []corev1.Pod
	for _, p := range list.Items {
		if strings.HasPrefix(p.Name, prefix) && p.Status.Phase == corev1.PodRunning {
			pods = append(pods, p)
		}
	}
	return pods, nil
}
