// Package mirror streams PNG snapshots of a display's CPU-visible
// scanout buffer to diagnostic websocket clients. It lives outside the
// engine loop: the engine offers frames over a buffered channel and
// keeps running whether or not anyone is watching; slow clients lose
// frames instead of slowing scanout.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openclaw/kmsvid/internal/video"
)

const writeTimeout = 5 * time.Second

type Config struct {
	Logger zerolog.Logger
}

// Server fans encoded frames out to attached websocket clients.
type Server struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader
	frames   chan *video.Buffer

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn    *websocket.Conn
	frames  chan []byte
	dropped int
}

func New(cfg Config) *Server {
	return &Server{
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		frames:  make(chan *video.Buffer, 1),
		clients: make(map[*client]struct{}),
	}
}

// Offer hands a frame to the mirror. It never blocks: with the encoder
// still busy on the previous frame the new one is dropped. The buffer
// is copied before Offer returns, so the caller may keep drawing into
// it.
func (s *Server) Offer(buf *video.Buffer) bool {
	if buf == nil {
		return false
	}
	if len(s.frames) == cap(s.frames) {
		return false
	}
	snap := *buf
	snap.Data = append([]byte(nil), buf.Data...)
	select {
	case s.frames <- &snap:
		return true
	default:
		return false
	}
}

// Run encodes offered frames and broadcasts them until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return ctx.Err()
		case buf := <-s.frames:
			data, err := encodePNG(buf)
			if err != nil {
				s.log.Warn().Err(err).Msg("mirror: cannot encode frame")
				continue
			}
			s.broadcast(data)
		}
	}
}

// Handler upgrades diagnostic clients and attaches them to the
// broadcast set.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("mirror: upgrade failed")
			return
		}
		c := &client{
			conn:   conn,
			frames: make(chan []byte, 1),
		}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("mirror client attached")
		go s.writePump(c)
		// drain control frames; returning closes the connection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.detach(c)
	})
}

func (s *Server) writePump(c *client) {
	for frame := range c.frames {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.log.Warn().Err(err).Msg("mirror: write failed")
			s.detach(c)
			return
		}
	}
	_ = c.conn.Close()
}

func (s *Server) broadcast(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.frames <- frame:
		default:
			c.dropped++
		}
	}
}

func (s *Server) detach(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if !ok {
		return
	}
	close(c.frames)
	_ = c.conn.Close()
	s.log.Info().Str("remote", c.conn.RemoteAddr().String()).
		Int("dropped", c.dropped).Msg("mirror client detached")
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.detach(c)
	}
}

// encodePNG converts an engine buffer into a PNG frame.
func encodePNG(buf *video.Buffer) ([]byte, error) {
	img, err := toImage(buf)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return out.Bytes(), nil
}

func toImage(buf *video.Buffer) (image.Image, error) {
	switch buf.Format {
	case video.FormatXRGB8888:
		img := image.NewNRGBA(image.Rect(0, 0, buf.Width, buf.Height))
		for y := 0; y < buf.Height; y++ {
			row := buf.Data[y*buf.Stride:]
			for x := 0; x < buf.Width; x++ {
				img.SetNRGBA(x, y, color.NRGBA{
					R: row[x*4+2],
					G: row[x*4+1],
					B: row[x*4+0],
					A: 0xff,
				})
			}
		}
		return img, nil
	case video.FormatGrey8:
		img := image.NewGray(image.Rect(0, 0, buf.Width, buf.Height))
		for y := 0; y < buf.Height; y++ {
			copy(img.Pix[y*img.Stride:], buf.Data[y*buf.Stride:y*buf.Stride+buf.Width])
		}
		return img, nil
	case video.FormatRGB565:
		img := image.NewNRGBA(image.Rect(0, 0, buf.Width, buf.Height))
		for y := 0; y < buf.Height; y++ {
			row := buf.Data[y*buf.Stride:]
			for x := 0; x < buf.Width; x++ {
				v := uint16(row[x*2]) | uint16(row[x*2+1])<<8
				img.SetNRGBA(x, y, color.NRGBA{
					R: uint8(v>>8) & 0xf8,
					G: uint8(v>>3) & 0xfc,
					B: uint8(v<<3) & 0xf8,
					A: 0xff,
				})
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: cannot mirror %s buffers", video.ErrNotSupported, buf.Format)
	}
}
