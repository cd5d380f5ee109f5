package job

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/matrixci/matrixci/internal/types"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHRunner executes a job's commands on a remote agent over SSH, one
// session per command. Cache directories are pushed to the agent before
// the first command and pulled back to the controller at job end through
// sftp.
type SSHRunner struct {
	username   string
	hostname   string
	privateKey []byte
	workspace  string
	cacheRoot  string
	cacheDirs  []string

	client     *ssh.Client
	sftpClient *sftp.Client
	workdir    string
}

func NewSSHRunner(
	username, hostname string,
	privateKey []byte,
	workspace, cacheRoot string,
	cacheDirs []string,
) *SSHRunner {
	return &SSHRunner{
		username:   username,
		hostname:   hostname,
		privateKey: privateKey,
		workspace:  workspace,
		cacheRoot:  cacheRoot,
		cacheDirs:  cacheDirs,
	}
}

func (r *SSHRunner) Prepare(ctx context.Context) error {
	signer, err := ssh.ParsePrivateKey(r.privateKey)
	if err != nil {
		return err
	}
	cc := &ssh.ClientConfig{
		User:            r.username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	hostname := r.hostname
	if !strings.Contains(hostname, ":") {
		hostname += ":22"
	}
	client, err := ssh.Dial("tcp", hostname, cc)
	if err != nil {
		return err
	}
	r.client = client

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return err
	}
	r.sftpClient = sftpClient

	r.workdir = path.Join(r.workspace, time.Now().UTC().Format("20060102_150405000"))
	if err := r.sftpClient.MkdirAll(r.workdir); err != nil {
		return err
	}
	for _, dir := range r.cacheDirs {
		local := path.Join(r.cacheRoot, dir)
		if _, err := os.Stat(local); err != nil {
			continue
		}
		if err := r.uploadDir(local, path.Join(r.workdir, dir)); err != nil {
			return fmt.Errorf("restoring cache %s: %w", dir, err)
		}
	}
	return ctx.Err()
}

func (r *SSHRunner) Run(
	ctx context.Context,
	command string,
	env []types.EnvVar,
	output io.Writer,
) (int, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return -1, err
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return -1, err
	}

	var sb strings.Builder
	for _, ev := range env {
		fmt.Fprintf(&sb, "export %s=%s; ", ev.Name, shellQuote(ev.Value))
	}
	fmt.Fprintf(&sb, "cd %s && %s", r.workdir, command)

	if err := sess.Start(sb.String()); err != nil {
		return -1, err
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			fmt.Fprintln(output, scanner.Text())
		}
	})
	wg.Go(func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			fmt.Fprintln(output, scanner.Text())
		}
	})

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- sess.Wait()
	}()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		<-doneCh
		wg.Wait()
		return -1, ctx.Err()
	case err := <-doneCh:
		wg.Wait()
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, err
	}
}

func (r *SSHRunner) Close() error {
	if r.client == nil {
		return nil
	}
	var errs []error
	if r.sftpClient != nil {
		for _, dir := range r.cacheDirs {
			remote := path.Join(r.workdir, dir)
			if _, err := r.sftpClient.Stat(remote); err != nil {
				continue
			}
			if err := r.downloadDir(remote, path.Join(r.cacheRoot, dir)); err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, r.sftpClient.Close())
	}
	errs = append(errs, r.client.Close())
	return errors.Join(errs...)
}

func (r *SSHRunner) uploadDir(localPath, remotePath string) error {
	entries, err := os.ReadDir(localPath)
	if err != nil {
		return err
	}
	if err := r.sftpClient.MkdirAll(remotePath); err != nil {
		return err
	}
	for _, e := range entries {
		local := path.Join(localPath, e.Name())
		remote := path.Join(remotePath, e.Name())
		if e.IsDir() {
			if err := r.uploadDir(local, remote); err != nil {
				return err
			}
			continue
		}
		if err := r.uploadFile(local, remote); err != nil {
			return err
		}
	}
	return nil
}

func (r *SSHRunner) uploadFile(localPath, remotePath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	remoteFile, err := r.sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer remoteFile.Close()

	_, err = io.Copy(remoteFile, localFile)
	return err
}

func (r *SSHRunner) downloadDir(remotePath, localPath string) error {
	files, err := r.sftpClient.ReadDir(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(localPath, os.ModePerm); err != nil {
		return err
	}
	for _, f := range files {
		remote := path.Join(remotePath, f.Name())
		local := path.Join(localPath, f.Name())
		if f.IsDir() {
			if err := r.downloadDir(remote, local); err != nil {
				return err
			}
			continue
		}
		if err := r.downloadFile(remote, local); err != nil {
			return err
		}
	}
	return nil
}

func (r *SSHRunner) downloadFile(remotePath, localPath string) error {
	remoteFile, err := r.sftpClient.Open(remotePath)
	if err != nil {
		return err
	}
	defer remoteFile.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	_, err = io.Copy(localFile, remoteFile)
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
