package registry

import "testing"

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
		want string
	}{
		{
			name: "plain host and port",
			host: "10.0.0.1",
			port: 11434,
			want: "http://10.0.0.1:11434",
		},
		{
			name: "host already has scheme and port",
			host: "https://gpu-1.internal:8443",
			port: 11434,
			want: "https://gpu-1.internal:8443",
		},
		{
			name: "host has scheme but no port",
			host: "https://gpu-2.internal",
			port: 8443,
			want: "https://gpu-2.internal:8443",
		},
		{
			name: "host has port but no scheme",
			host: "gpu-3.internal:9000",
			port: 11434,
			want: "http://gpu-3.internal:9000",
		},
		{
			name: "hostname only",
			host: "localhost",
			port: 11434,
			want: "http://localhost:11434",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeAddress(tt.host, tt.port)
			if got != tt.want {
				t.Errorf("NormalizeAddress(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
			}
		})
	}
}

func TestNodeAddress(t *testing.T) {
	n := Node{Host: "10.0.0.5", Port: 11434}
	want := "http://10.0.0.5:11434"
	if got := n.Address(); got != want {
		t.Errorf("Node.Address() = %q, want %q", got, want)
	}
}
