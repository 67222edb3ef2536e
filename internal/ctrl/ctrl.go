// Package ctrl serves the local control socket: one command per
// connection, line-oriented, used for live rebuild and scrub/repair
// while the filesystem is mounted.
package ctrl

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/marmos91/liveraid/internal/engine"
	"github.com/marmos91/liveraid/internal/logger"
	"github.com/marmos91/liveraid/internal/rebuild"
)

// Server is the control socket acceptor.
type Server struct {
	eng  *engine.Engine
	ln   net.Listener
	path string
	wg   sync.WaitGroup
}

// Start binds the socket (removing any stale one first) and launches
// the accept loop.
func Start(eng *engine.Engine, path string) (*Server, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctrl: cannot listen on %q: %w", path, err)
	}

	s := &Server{eng: eng, ln: ln, path: path}
	s.wg.Add(1)
	go s.acceptLoop()
	logger.Info("ctrl: listening on %s", path)
	return s, nil
}

// Stop closes the listener, waits for in-flight handlers and unlinks
// the socket.
func (s *Server) Stop() {
	s.ln.Close()
	s.wg.Wait()
	os.Remove(s.path)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return // listener closed during shutdown
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := strings.TrimRight(scanner.Text(), "\r")

	switch {
	case strings.HasPrefix(line, "rebuild "):
		s.doRebuild(conn, strings.TrimPrefix(line, "rebuild "))
	case line == "scrub repair":
		s.doScrub(conn, true)
	case line == "scrub":
		s.doScrub(conn, false)
	default:
		fmt.Fprintf(conn, "error unknown command\n")
	}
}

func (s *Server) doRebuild(conn net.Conn, driveName string) {
	st := s.eng.State()

	st.RLock()
	drive := st.DriveByName(driveName)
	st.RUnlock()
	if drive == nil {
		fmt.Fprintf(conn, "error drive '%s' not found\n", driveName)
		return
	}

	vpaths := rebuild.FilesOnDrive(st, drive.Index)
	fmt.Fprintf(conn, "progress 0 %d (starting)\n", len(vpaths))

	rebuilt, failed, skipped := 0, 0, 0
	for i, vpath := range vpaths {
		fmt.Fprintf(conn, "progress %d %d %s\n", i+1, len(vpaths), vpath)
		res, reason, err := rebuild.RebuildFile(st, s.eng.Parity(), drive.Index, vpath)
		switch res {
		case rebuild.FileRebuilt:
			rebuilt++
			fmt.Fprintf(conn, "ok %s\n", vpath)
		case rebuild.FileSkipped:
			skipped++
			if reason == rebuild.SkipBusy {
				fmt.Fprintf(conn, "skip %s busy\n", vpath)
			}
			// gone or moved to another drive: skipped silently
		default:
			failed++
			fmt.Fprintf(conn, "fail %s %v\n", vpath, err)
		}
	}

	fmt.Fprintf(conn, "done %d %d skipped=%d\n", rebuilt, failed, skipped)
}

func (s *Server) doScrub(conn net.Conn, repair bool) {
	if !s.eng.HasParity() {
		fmt.Fprintf(conn, "error no parity configured\n")
		return
	}

	res := s.eng.Journal().Scrub(repair)
	if repair {
		fmt.Fprintf(conn, "done %d %d fixed=%d errors=%d\n",
			res.PositionsChecked, res.Mismatches, res.Fixed, res.ReadErrors)
	} else {
		fmt.Fprintf(conn, "done %d %d errors=%d\n",
			res.PositionsChecked, res.Mismatches, res.ReadErrors)
	}
}
