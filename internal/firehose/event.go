package firehose

// jetstreamEvent is the raw JSON structure from Jetstream.
type jetstreamEvent struct {
	DID    string           `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream.
type jetstreamCommit struct {
	Rev        string      `json:"rev"`
	Operation  string      `json:"operation"`
	Collection string      `json:"collection"`
	RKey       string      `json:"rkey"`
	Record     *postRecord `json:"record,omitempty"`
	CID        string      `json:"cid"`
}

// postRecord is the part of an app.bsky.feed.post record used for logging.
type postRecord struct {
	Type      string `json:"$type"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// optionsUpdate is the subscriber message that changes the filters of a
// live Jetstream connection.
type optionsUpdate struct {
	Type    string         `json:"type"`
	Payload optionsPayload `json:"payload"`
}

type optionsPayload struct {
	WantedCollections []string `json:"wantedCollections"`
	WantedDIDs        []string `json:"wantedDids"`
}
