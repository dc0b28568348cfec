package device

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nhirsama/picolog/src/identity"
	"github.com/nhirsama/picolog/src/inter"
	"github.com/nhirsama/picolog/src/protocol"
)

// DefaultIdleTimeout 连接空闲超时，需大于客户端的下载周期
const DefaultIdleTimeout = 5 * time.Minute

// Server 模拟设备端的远程调用服务
type Server struct {
	identity    *identity.Identity
	logger      *slog.Logger
	IdleTimeout time.Duration

	// handler 串行执行，对应固件在 handler 中关闭中断
	mu       sync.Mutex
	handlers map[uint16]HandlerFunc
}

// NewServer 创建设备服务
func NewServer(id *identity.Identity, logger *slog.Logger) *Server {
	return &Server{
		identity:    id,
		logger:      logger,
		IdleTimeout: DefaultIdleTimeout,
		handlers:    make(map[uint16]HandlerFunc),
	}
}

// Handle 注册 handler
func (s *Server) Handle(id uint16, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[id] = h
}

// Serve 在 l 上接受连接直到 ctx 结束。ctx 结束时关闭监听器与所有活动连接。
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			closeOnCancel := context.AfterFunc(ctx, func() { conn.Close() })
			defer closeOnCancel()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection 处理长连接协议循环
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("remote", conn.RemoteAddr().String())

	session := protocol.NewSession(conn)
	conn.SetDeadline(time.Now().Add(s.IdleTimeout))
	if err := s.handshake(session); err != nil {
		logger.Warn("handshake failed", "error", err)
		return
	}
	logger.Info("client authenticated")

	for {
		conn.SetDeadline(time.Now().Add(s.IdleTimeout))

		frame, err := session.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("receive failed", "error", err)
			}
			return
		}

		if frame.Type != inter.MsgRun {
			logger.Warn("unexpected message", "type", fmt.Sprintf("0x%X", uint16(frame.Type)))
			return
		}

		s.mu.Lock()
		handler, ok := s.handlers[frame.HandlerID]
		var (
			result int32
			output []byte
		)
		if ok {
			result, output = handler(frame.Value, frame.Payload)
		}
		s.mu.Unlock()

		if !ok {
			reason := fmt.Sprintf("unknown handler %d", frame.HandlerID)
			session.Send(&inter.Frame{Type: inter.MsgError, IsResponse: true, Payload: []byte(reason)})
			logger.Warn("unknown handler", "handler", frame.HandlerID)
			continue
		}

		err = session.Send(&inter.Frame{
			Type:       inter.MsgResult,
			HandlerID:  frame.HandlerID,
			Value:      result,
			IsResponse: true,
			Payload:    output,
		})
		if err != nil {
			logger.Warn("send failed", "error", err)
			return
		}
		logger.Debug("handler invoked", "handler", frame.HandlerID, "parameter", frame.Value, "bytes", len(output))
	}
}

// handshake 设备端握手：交换 X25519 公钥，派生会话密钥，双向校验鉴权证明
func (s *Server) handshake(session *protocol.Session) error {
	hello, err := session.Receive()
	if err != nil {
		return err
	}
	if hello.Type != inter.MsgHello || len(hello.Payload) < 32 {
		return fmt.Errorf("invalid hello frame")
	}
	clientPub := hello.Payload[:32]
	boardID := string(hello.Payload[32:])
	if boardID != "" && s.identity.BoardID != "" && boardID != s.identity.BoardID {
		s.reject(session, "board id mismatch")
		return fmt.Errorf("board id mismatch: %q", boardID)
	}

	peerKey, err := ecdh.X25519().NewPublicKey(clientPub)
	if err != nil {
		s.reject(session, "invalid public key")
		return fmt.Errorf("invalid client public key: %w", err)
	}
	privKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	challenge, err := identity.NewChallenge()
	if err != nil {
		return err
	}
	devicePub := privKey.PublicKey().Bytes()

	err = session.Send(&inter.Frame{
		Type:       inter.MsgChallenge,
		IsResponse: true,
		Payload:    append(append([]byte(nil), devicePub...), challenge...),
	})
	if err != nil {
		return err
	}

	shared, err := privKey.ECDH(peerKey)
	if err != nil {
		return fmt.Errorf("key agreement: %w", err)
	}
	transcript := identity.Transcript{
		BoardID:   boardID,
		ClientPub: clientPub,
		DevicePub: devicePub,
		Challenge: challenge,
	}
	keys, err := s.identity.DeriveSessionKeys(shared, transcript)
	if err != nil {
		return err
	}
	session.SetKeys(keys.DeviceToClient, keys.ClientToDevice)

	auth, err := session.Receive()
	if err != nil {
		// 密钥不一致时解密失败
		s.reject(session, "authentication failed")
		return err
	}
	if auth.Type != inter.MsgAuth || !s.identity.Verify(identity.RoleClient, transcript, auth.Payload) {
		s.reject(session, "authentication failed")
		return inter.ErrAuthRejected
	}

	return session.Send(&inter.Frame{
		Type:       inter.MsgAuthAck,
		IsResponse: true,
		Payload:    s.identity.Proof(identity.RoleDevice, transcript),
	})
}

func (s *Server) reject(session *protocol.Session, reason string) {
	session.SendPlain(&inter.Frame{Type: inter.MsgError, IsResponse: true, Payload: []byte(reason)})
}
