// Package client is a minimal convenience wrapper over the wire protocol,
// sufficient to drive the daemon end to end: dial the request socket, send
// a READ/SEND/FILE_OPEN/SEND_OPEN/CANCEL request with its attached
// descriptors, and decode the FILE_INFO/XFER_STAT replies. It is not a
// general-purpose client library; callers needing more control should
// speak the wire protocol directly against a dialed peer.Conn.
package client

import (
	"github.com/sendfiled/sendfiled/internal/peer"
	"github.com/sendfiled/sendfiled/internal/wire"
)

// Client is a connected handle to a daemon's request socket.
type Client struct {
	conn *peer.Conn
}

// Dial connects to the daemon's request socket at path.
func Dial(path string) (*Client, error) {
	conn, err := peer.Dial(path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) sendRequest(cmd byte, body []byte, fds []int) error {
	frame := make([]byte, wire.HeaderSize+len(body))
	wire.PutHeader(frame, wire.Header{Command: cmd, Status: wire.StatusOK, BodyLength: uint64(len(body))})
	copy(frame[wire.HeaderSize:], body)
	return c.conn.Send(frame, fds)
}

// Read requests the daemon deliver the named file's bytes directly onto
// statusAndData, which serves as both the FILE_INFO status channel and the
// raw-byte destination. The caller owns statusAndData and should read
// exactly FileInfo.Size bytes off it after ReadFileInfo succeeds; the
// daemon sends no terminal frame for READ.
func (c *Client) Read(filename string, offset int64, length uint64, statusAndData int) error {
	body, err := wire.EncodeOpenRequest(wire.OpenRequest{Offset: offset, Len: length, Filename: filename})
	if err != nil {
		return err
	}
	return c.sendRequest(wire.CmdRead, body, []int{statusAndData})
}

// Send requests the daemon deliver the named file's bytes onto destFD
// while acknowledgements and the terminal XFER_STAT go to statusFD.
func (c *Client) Send(filename string, offset int64, length uint64, statusFD, destFD int) error {
	body, err := wire.EncodeOpenRequest(wire.OpenRequest{Offset: offset, Len: length, Filename: filename})
	if err != nil {
		return err
	}
	return c.sendRequest(wire.CmdSend, body, []int{statusFD, destFD})
}

// FileOpen opens the named file without yet supplying a destination: the
// daemon replies FILE_INFO with an assigned txnid and holds the transfer
// open pending a SendOpen or Cancel, or until it times out.
func (c *Client) FileOpen(filename string, offset int64, length uint64, statusFD int) error {
	body, err := wire.EncodeOpenRequest(wire.OpenRequest{Offset: offset, Len: length, Filename: filename})
	if err != nil {
		return err
	}
	return c.sendRequest(wire.CmdFileOpen, body, []int{statusFD})
}

// SendOpen supplies the destination descriptor for a transfer previously
// opened with FileOpen. The daemon sends no acknowledgement of this call
// itself; the terminal XFER_STAT arrives on the fd given to FileOpen.
func (c *Client) SendOpen(txnid uint64, destFD int) error {
	return c.sendRequest(wire.CmdSendOpen, wire.EncodeTxnRequest(wire.TxnRequest{TxnID: txnid}), []int{destFD})
}

// Cancel aborts an in-flight or still-open transfer. It carries no
// descriptors; the daemon closes the transfer's channels as it tears down.
func (c *Client) Cancel(txnid uint64) error {
	return c.sendRequest(wire.CmdCancel, wire.EncodeTxnRequest(wire.TxnRequest{TxnID: txnid}), nil)
}
