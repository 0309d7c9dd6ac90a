//go:build darwin

package sshtunnel

const (
	sshBinary   = "/usr/bin/ssh"
	hostKeyFile = "/tmp/bubble_flex_host_key"
)
