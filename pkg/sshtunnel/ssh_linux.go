//go:build linux

package sshtunnel

const (
	sshBinary   = "/usr/bin/ssh"
	hostKeyFile = "/tmp/bubble_flex_host_key"
)
