package rebuild

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
)

// TryLive asks a running liveraid process to rebuild the drive through
// its control socket, streaming the progress lines to w. handled is
// false when no live process is listening, in which case the caller
// falls through to the offline rebuild.
func TryLive(sockPath, driveName string, w io.Writer) (handled, hadFailures bool) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return false, false
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "rebuild %s\n", driveName); err != nil {
		return false, false
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(w, line)
		switch {
		case strings.HasPrefix(line, "done "):
			var rebuilt, failed int
			if _, err := fmt.Sscanf(line[len("done "):], "%d %d", &rebuilt, &failed); err == nil && failed > 0 {
				hadFailures = true
			}
		case strings.HasPrefix(line, "error "):
			hadFailures = true
		}
	}
	return true, hadFailures
}
