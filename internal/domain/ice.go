package domain

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls" mapstructure:"urls"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}

// DefaultICEServers is the server list the browser client shipped with:
// three public STUN servers and the openrelay TURN triple.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:stun2.l.google.com:19302"}},
		{
			URLs: []string{
				"turn:openrelay.metered.ca:80",
				"turn:openrelay.metered.ca:443",
				"turn:openrelay.metered.ca:443?transport=tcp",
			},
			Username:   "openrelayproject",
			Credential: "openrelayproject",
		},
	}
}

// MediaConfig configures one Media Session Primitive.
type MediaConfig struct {
	ICEServers []ICEServer
	// ICECandidatePoolSize pre-gathers candidates before the first offer.
	ICECandidatePoolSize uint8
}
