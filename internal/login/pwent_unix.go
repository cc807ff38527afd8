package login

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// lookupShell reads the login shell field from /etc/passwd for name.
// os/user does not expose it, and turnstiled only needs it for parity with
// the Login.Shell field the original always populated; it is never exec'd.
func lookupShell(name string) (string, error) {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) >= 7 && fields[0] == name {
			return fields[6], nil
		}
	}
	return "", fmt.Errorf("pwent: no shell entry for %s", name)
}
