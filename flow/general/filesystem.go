package general

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/action"
	"github.com/quarryhq/quarry/collection"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/types"
)

// ListDirectory enumerates one directory on the endpoint and replies
// one stat entry per child.
type ListDirectory struct{ flow.Base }

func (ListDirectory) Name() string { return "ListDirectory" }

func (ListDirectory) ArgsType() string { return "ListDirectoryArgs" }

func (ListDirectory) Category() string { return categoryFilesystem }

func (ListDirectory) Behaviour() flow.Behaviour { return flow.BehaviourBasic }

func (ListDirectory) Start(ctx context.Context, r *flow.Runner) error {
	var args action.ListDirectoryArgs
	if err := r.Args().DecodeAs("ListDirectoryArgs", &args); err != nil {
		return err
	}
	if args.Path == "" {
		return fmt.Errorf("list directory needs a path")
	}
	return r.CallClient(ctx, "ListDirectory", args, "Done")
}

func (ListDirectory) States() map[string]flow.StateFn {
	return map[string]flow.StateFn{"Done": listDirectoryDone}
}

func listDirectoryDone(ctx context.Context, r *flow.Runner, responses *flow.Responses) error {
	if !responses.Success() {
		return fmt.Errorf("failed to list directory: %s", responses.Status().ErrorMessage)
	}
	for _, doc := range responses.Documents() {
		if err := r.SendReply(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

const (
	// defaultChunkSize is how much of a file one TransferBuffer request
	// reads.
	defaultChunkSize = 512 << 10

	// transferWindow bounds how many chunk requests are in flight at
	// once, so a large file does not flood the client's task queue.
	transferWindow = 64

	// maxTransferChunks refuses files that would need more requests than
	// one session can reasonably track.
	maxTransferChunks = 10000

	transferStateKey      = "transfer"
	transferStateTypeName = "TransferState"
)

// GetFileArgs names the file to fetch. A zero ChunkSize uses the
// default.
type GetFileArgs struct {
	Path      string `json:"path"`
	ChunkSize uint64 `json:"chunk_size,omitempty"`
}

// transferState is GetFile's progress, persisted in the flow context
// between passes.
type transferState struct {
	Stat       action.StatEntry `json:"stat"`
	ChunkSize  uint64           `json:"chunk_size"`
	NextOffset uint64           `json:"next_offset"`
	Chunks     int              `json:"chunks"`
}

// GetFile downloads one file through windowed TransferBuffer requests.
// Requests complete in id order, so the chunks land in the session's
// blob collection in offset order; the final reply is the file's stat
// entry once every chunk has arrived.
type GetFile struct{ flow.Base }

func (GetFile) Name() string { return "GetFile" }

func (GetFile) ArgsType() string { return "GetFileArgs" }

func (GetFile) Category() string { return categoryFilesystem }

func (GetFile) Behaviour() flow.Behaviour { return flow.BehaviourBasic }

func (GetFile) Start(ctx context.Context, r *flow.Runner) error {
	var args GetFileArgs
	if err := r.Args().DecodeAs("GetFileArgs", &args); err != nil {
		return err
	}
	if args.Path == "" {
		return fmt.Errorf("get file needs a path")
	}
	chunkSize := args.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	ts := transferState{ChunkSize: chunkSize}
	if err := r.Context().Put(transferStateKey, transferStateTypeName, ts); err != nil {
		return err
	}
	return r.CallClient(ctx, "StatFile", action.StatFileArgs{Path: args.Path}, "Stat")
}

func (GetFile) States() map[string]flow.StateFn {
	return map[string]flow.StateFn{
		"Stat":        getFileStat,
		"WriteBuffer": getFileWriteBuffer,
		"End":         getFileDone,
	}
}

func getFileStat(ctx context.Context, r *flow.Runner, responses *flow.Responses) error {
	if !responses.Success() {
		return fmt.Errorf("failed to stat file: %s", responses.Status().ErrorMessage)
	}
	if responses.Len() == 0 {
		return fmt.Errorf("stat returned no entry")
	}
	var stat action.StatEntry
	if err := responses.Documents()[0].DecodeAs("StatEntry", &stat); err != nil {
		return err
	}
	if stat.IsDir {
		return fmt.Errorf("%s is a directory, not a file", stat.Path)
	}

	var ts transferState
	if err := r.Context().Get(transferStateKey, &ts); err != nil {
		return err
	}
	ts.Stat = stat
	ts.Chunks = int((stat.Size + ts.ChunkSize - 1) / ts.ChunkSize)
	if ts.Chunks > maxTransferChunks {
		return fmt.Errorf("%s is too large to transfer: %d bytes in %d chunks", stat.Path, stat.Size, ts.Chunks)
	}

	for i := 0; i < transferWindow && ts.NextOffset < stat.Size; i++ {
		if err := requestChunk(ctx, r, &ts); err != nil {
			return err
		}
	}
	return r.Context().Put(transferStateKey, transferStateTypeName, ts)
}

func requestChunk(ctx context.Context, r *flow.Runner, ts *transferState) error {
	args := action.TransferBufferArgs{
		Path:   ts.Stat.Path,
		Offset: ts.NextOffset,
		Length: ts.ChunkSize,
	}
	if err := r.CallClient(ctx, "TransferBuffer", args, "WriteBuffer"); err != nil {
		return err
	}
	ts.NextOffset += ts.ChunkSize
	return nil
}

func getFileWriteBuffer(ctx context.Context, r *flow.Runner, responses *flow.Responses) error {
	if !responses.Success() {
		return fmt.Errorf("failed to read file buffer: %s", responses.Status().ErrorMessage)
	}

	blobs := collection.New(r.Store(), BlobsSubject(r.SessionID()))
	for _, doc := range responses.Documents() {
		var ref action.BufferReference
		if err := doc.DecodeAs("BufferReference", &ref); err != nil {
			return err
		}
		if err := blobs.Add(ctx, doc); err != nil {
			return err
		}
	}

	var ts transferState
	if err := r.Context().Get(transferStateKey, &ts); err != nil {
		return err
	}
	if ts.NextOffset < ts.Stat.Size {
		// One chunk landed, one more enters the window.
		if err := requestChunk(ctx, r, &ts); err != nil {
			return err
		}
		return r.Context().Put(transferStateKey, transferStateTypeName, ts)
	}
	return nil
}

func getFileDone(ctx context.Context, r *flow.Runner, responses *flow.Responses) error {
	var ts transferState
	if err := r.Context().Get(transferStateKey, &ts); err != nil {
		return err
	}
	statDoc, err := types.NewDocument("StatEntry", ts.Stat)
	if err != nil {
		return err
	}
	r.Log(ctx, "transferred %s: %d bytes in %d chunks", ts.Stat.Path, ts.Stat.Size, ts.Chunks)
	return r.SendReply(ctx, statDoc)
}

// BlobsSubject is where GetFile appends the fetched chunks.
func BlobsSubject(sessionID types.SessionID) string {
	return sessionID.Subject() + "/Blobs"
}

// Blobs reads back the chunks a GetFile session collected, in offset
// order.
func Blobs(ctx context.Context, ds datastore.DataStore, sessionID types.SessionID, offset, limit int64) ([]types.Document, error) {
	return collection.New(ds, BlobsSubject(sessionID)).Items(ctx, offset, limit)
}
