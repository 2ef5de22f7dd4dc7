// Copyright 2025 The fab Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ops

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/sftp"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/output"
)

// PutOptions tune an upload.
type PutOptions struct {
	// UseSudo uploads via TempDir and moves the file into place with sudo.
	UseSudo bool

	// MirrorLocalMode copies each local file's permission bits remotely.
	MirrorLocalMode bool

	// Mode, when nonzero, is applied to every uploaded file.
	Mode os.FileMode

	// NoGlob disables wildcard expansion of the local path, which Put
	// otherwise performs.
	NoGlob bool

	// TempDir holds intermediate files for sudo uploads; default /tmp.
	TempDir string

	WarnOnly *bool
}

// GetOptions tune a download.
type GetOptions struct {
	// UseSudo copies the remote file to a readable temp location first.
	UseSudo bool

	// TempDir holds intermediate files for sudo downloads; default /tmp.
	TempDir string

	WarnOnly *bool
}

// expandRemote resolves a leading ~ against the remote working directory,
// which sftp servers start in the login home.
func expandRemote(sf *sftp.Client, p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := sf.Getwd()
		if err != nil {
			return "", err
		}
		if p == "~" {
			return home, nil
		}
		return path.Join(home, p[2:]), nil
	}
	if p == "" {
		home, err := sf.Getwd()
		if err != nil {
			return "", err
		}
		return home, nil
	}
	return p, nil
}

func remoteIsDir(sf *sftp.Client, p string) bool {
	fi, err := sf.Stat(p)
	return err == nil && fi.IsDir()
}

// Put uploads local files matching localPath to remotePath on the current
// host. Wildcards in the local path are expanded unless NoGlob is set.
// Per-file failures accumulate in the result's Failed list; without
// warn_only the first failure aborts the operation.
func (o *Op) Put(localPath, remotePath string, opts PutOptions) (*TransferResult, error) {
	hs, canonical, err := o.hostString()
	if err != nil {
		return nil, err
	}
	c, err := o.Cache.Get(hs)
	if err != nil {
		return nil, err
	}
	sf, err := c.SFTP()
	if err != nil {
		return nil, err
	}

	var locals []string
	if opts.NoGlob {
		locals = []string{localPath}
	} else {
		locals, err = filepath.Glob(localPath)
		if err != nil || len(locals) == 0 {
			return nil, abort.New(abort.TransferFailed, canonical,
				"no local files matched %q", localPath)
		}
	}

	remotePath, err = expandRemote(sf, remotePath)
	if err != nil {
		return nil, abort.Wrap(err, abort.TransferFailed, canonical)
	}
	remoteDir := remoteIsDir(sf, remotePath) || strings.HasSuffix(remotePath, "/")
	if len(locals) > 1 && !remoteDir {
		return nil, abort.New(abort.TransferFailed, canonical,
			"%d files match %q but %q is not a directory", len(locals), localPath, remotePath)
	}

	warn := optBool(opts.WarnOnly, o.Env.Bool(env.WarnOnly))
	res := &TransferResult{}
	for _, local := range locals {
		target := remotePath
		if remoteDir {
			target = path.Join(strings.TrimSuffix(remotePath, "/"), filepath.Base(local))
		}
		if err := o.putOne(sf, canonical, local, target, opts); err != nil {
			res.Failed = append(res.Failed, local)
			if !warn {
				return res, abort.Wrap(err, abort.TransferFailed, canonical)
			}
			o.Mux.Warn(o.Env, canonical, "upload of %s failed: %v", local, err)
			continue
		}
		res.Uploaded = append(res.Uploaded, target)
		o.Mux.Line(o.Env, canonical, output.StreamUpload,
			fmt.Sprintf("%s -> %s", local, target))
	}
	return res, nil
}

func (o *Op) putOne(sf *sftp.Client, canonical, local, target string, opts PutOptions) error {
	fi, err := os.Stat(local)
	if err != nil {
		return err
	}

	dest := target
	if opts.UseSudo {
		tempDir := opts.TempDir
		if tempDir == "" {
			tempDir = "/tmp"
		}
		dest = path.Join(tempDir, "fab-"+uuid.New().String())
	} else if dir := path.Dir(target); dir != "." && dir != "/" {
		if err := sf.MkdirAll(dir); err != nil {
			return err
		}
	}

	if err := o.copyUp(sf, local, dest); err != nil {
		return err
	}

	var mode os.FileMode
	if opts.Mode != 0 {
		mode = opts.Mode
	} else if opts.MirrorLocalMode {
		mode = fi.Mode().Perm()
	}
	if mode != 0 {
		if err := sf.Chmod(dest, mode); err != nil {
			return err
		}
	}

	if opts.UseSudo {
		mv := fmt.Sprintf("mkdir -p %s && mv %s %s",
			shellquote.Join(path.Dir(target)), shellquote.Join(dest), shellquote.Join(target))
		if _, err := o.Sudo(mv, RunOptions{Quiet: true, WarnOnly: Bool(false)}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Op) copyUp(sf *sftp.Client, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := sf.Create(remote)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Get downloads remotePath from the current host to localPath. Wildcards in
// the remote path are expanded against the remote filesystem. When more
// than one file matches, localPath must be a directory.
func (o *Op) Get(remotePath, localPath string, opts GetOptions) (*TransferResult, error) {
	hs, canonical, err := o.hostString()
	if err != nil {
		return nil, err
	}
	c, err := o.Cache.Get(hs)
	if err != nil {
		return nil, err
	}
	sf, err := c.SFTP()
	if err != nil {
		return nil, err
	}

	remotePath, err = expandRemote(sf, remotePath)
	if err != nil {
		return nil, abort.Wrap(err, abort.TransferFailed, canonical)
	}

	remotes := []string{remotePath}
	if strings.ContainsAny(remotePath, "*?[") {
		remotes, err = sf.Glob(remotePath)
		if err != nil || len(remotes) == 0 {
			return nil, abort.New(abort.TransferFailed, canonical,
				"no remote files matched %q", remotePath)
		}
	}

	localDir := false
	if fi, err := os.Stat(localPath); err == nil && fi.IsDir() {
		localDir = true
	} else if strings.HasSuffix(localPath, "/") {
		if err := os.MkdirAll(localPath, 0755); err != nil {
			return nil, abort.Wrap(err, abort.TransferFailed, canonical)
		}
		localDir = true
	}
	if len(remotes) > 1 && !localDir {
		return nil, abort.New(abort.TransferFailed, canonical,
			"%d files match %q but %q is not a directory", len(remotes), remotePath, localPath)
	}

	warn := optBool(opts.WarnOnly, o.Env.Bool(env.WarnOnly))
	res := &TransferResult{}
	for _, remote := range remotes {
		target := localPath
		if localDir {
			target = filepath.Join(strings.TrimSuffix(localPath, "/"), path.Base(remote))
		}
		if err := o.getOne(sf, canonical, remote, target, opts); err != nil {
			res.Failed = append(res.Failed, remote)
			if !warn {
				return res, abort.Wrap(err, abort.TransferFailed, canonical)
			}
			o.Mux.Warn(o.Env, canonical, "download of %s failed: %v", remote, err)
			continue
		}
		res.Downloaded = append(res.Downloaded, target)
		o.Mux.Line(o.Env, canonical, output.StreamDownload,
			fmt.Sprintf("%s <- %s", target, remote))
	}
	return res, nil
}

func (o *Op) getOne(sf *sftp.Client, canonical, remote, target string, opts GetOptions) error {
	source := remote
	if opts.UseSudo {
		tempDir := opts.TempDir
		if tempDir == "" {
			tempDir = "/tmp"
		}
		temp := path.Join(tempDir, "fab-"+uuid.New().String())
		cp := fmt.Sprintf("cp -- %s %s && chmod 0644 %s",
			shellquote.Join(remote), shellquote.Join(temp), shellquote.Join(temp))
		if _, err := o.Sudo(cp, RunOptions{Quiet: true, WarnOnly: Bool(false)}); err != nil {
			return err
		}
		source = temp
		defer func() {
			rm := fmt.Sprintf("rm -f -- %s", shellquote.Join(temp))
			if _, err := o.Sudo(rm, RunOptions{Quiet: true, WarnOnly: Bool(true)}); err != nil {
				plog.Warningf("could not remove %s on %s: %v", temp, canonical, err)
			}
		}()
	}

	src, err := sf.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()

	if dir := filepath.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
