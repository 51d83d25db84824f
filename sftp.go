package sshstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPServer returns a FileTransferFactory serving the SFTP subsystem with github.com/pkg/sftp.
func SFTPServer(opts ...sftp.ServerOption) FileTransferFactory {
	return func(rwc io.ReadWriteCloser) error {
		server, err := sftp.NewServer(rwc, opts...)
		if err != nil {
			return fmt.Errorf("failed to create SFTP server: %w", err)
		}
		defer server.Close()
		if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("SFTP server failed: %w", err)
		}
		return nil
	}
}

// OpenSFTP starts the SFTP subsystem on a new session channel and returns a client for it.
func OpenSFTP(ctx context.Context, conn ssh.Conn, opts ...sftp.ClientOption) (*sftp.Client, error) {
	ch, reqs, err := openChannel(ctx, conn, "session", nil)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	if err := sendRequest(ch, "subsystem", ssh.Marshal(subsystemRequestMsg{SubsystemSFTP})); err != nil {
		ch.Close()
		return nil, err
	}
	client, err := sftp.NewClientPipe(ch, ch, opts...)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start SFTP client: %w", err)
	}
	return client, nil
}
