package vmware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cocoonstack/vmxdriver/executor"
	"github.com/cocoonstack/vmxdriver/utility"
)

const (
	testVmrun = "/opt/vmware/vmrun"
	testVdisk = "/opt/vmware/vmware-vdiskmanager"
)

// --- fake runner ---

type call struct {
	Binary string
	Args   []string
	Opts   executor.Options
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	handle func(binary string, args []string) (*executor.Result, error)
}

func (f *fakeRunner) Execute(_ context.Context, binary string, args []string, opts executor.Options) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{Binary: binary, Args: append([]string(nil), args...), Opts: opts})
	f.mu.Unlock()
	if f.handle == nil {
		return &executor.Result{}, nil
	}
	res, err := f.handle(binary, args)
	if res == nil {
		res = &executor.Result{}
	}
	return res, err
}

// commands returns the first argument of every call, e.g. "stop".
func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c.Args) > 0 {
			out = append(out, c.Args[0])
		}
	}
	return out
}

func (f *fakeRunner) called(sub string) bool {
	for _, c := range f.commands() {
		if c == sub {
			return true
		}
	}
	return false
}

func exitErr(args []string, stdout string) error {
	return &executor.ExitError{Binary: testVmrun, Args: args, Result: executor.Result{Stdout: stdout, ExitCode: 1}}
}

// --- fake helper service ---

type recorded struct {
	Method string
	Path   string
	Body   []byte
}

type fakeService struct {
	mu sync.Mutex

	license    string
	product    string
	version    string
	vmnets     []*utility.Vmnet
	leases     map[string]string
	forwards   []*utility.PortFwd
	verifyCode int
	requests   []recorded
}

func newFakeService() *fakeService {
	return &fakeService{
		license: "workstation",
		product: "workstation",
		version: "1.0.21",
		vmnets: []*utility.Vmnet{
			{Name: "vmnet1", Type: "hostOnly", DHCP: true, Subnet: "172.16.1.0", Mask: "255.255.255.0"},
			{Name: "vmnet8", Type: "nat", DHCP: true, Subnet: "192.168.33.0", Mask: "255.255.255.0"},
		},
		leases:     map[string]string{},
		verifyCode: http.StatusNoContent,
	}
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, recorded{Method: r.Method, Path: r.URL.Path, Body: body})

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/vmware/info":
		writeJSON(w, http.StatusOK, utility.Info{Product: s.product, Version: "17.5.0", License: s.license})
	case r.URL.Path == "/vmware/paths":
		writeJSON(w, http.StatusOK, utility.Paths{Vmrun: testVmrun, Vdiskmanager: testVdisk})
	case r.URL.Path == "/version":
		writeJSON(w, http.StatusOK, utility.Version{Version: s.version})
	case r.URL.Path == "/vmnet/verify":
		w.WriteHeader(s.verifyCode)
	case r.URL.Path == "/vmnet" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, utility.Vmnets{Num: len(s.vmnets), Vmnets: s.vmnets})
	case r.URL.Path == "/vmnet" && r.Method == http.MethodPost:
		var req utility.NewVmnet
		_ = json.Unmarshal(body, &req)
		v := &utility.Vmnet{Name: fmt.Sprintf("vmnet%d", len(s.vmnets)+2), Type: "hostOnly", Subnet: req.Subnet, Mask: req.Mask}
		s.vmnets = append(s.vmnets, v)
		writeJSON(w, http.StatusOK, v)
	case r.URL.Path == "/portforwards":
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 3 && parts[2] == "portforward" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, utility.PortFwds{Num: len(s.forwards), PortForwards: s.forwards})
	case len(parts) == 3 && parts[2] == "portforward":
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 4 && parts[2] == "dhcplease":
		ip, ok := s.leases[parts[3]]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "no lease"})
			return
		}
		writeJSON(w, http.StatusOK, utility.MacToIP{Vmnet: parts[1], MAC: parts[3], IP: ip})
	case len(parts) == 5 && parts[2] == "dhcpreserve":
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown route " + r.URL.Path})
	}
}

func (s *fakeService) requestsTo(method, path string) []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recorded
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// --- fixtures ---

func newTestHost(t *testing.T, svc *fakeService, runner *fakeRunner, opts Options) *Host {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	h, err := NewHost(context.Background(), utility.NewWithHTTPClient(srv.URL, srv.Client()), runner, opts)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return h
}

func writeVMX(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "box.vmx")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write vmx: %v", err)
	}
	return path
}

func openDriver(t *testing.T, h *Host, path string) *Driver {
	t.Helper()
	d, err := h.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return d
}
