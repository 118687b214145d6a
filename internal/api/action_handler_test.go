package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/command"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInterpreter struct {
	last  command.Input
	reply *command.Reply
	err   error
}

func (r *recordingInterpreter) Handle(_ context.Context, in command.Input) (*command.Reply, error) {
	r.last = in
	return r.reply, r.err
}

func TestHandleAction(t *testing.T) {
	t.Parallel()
	owner := uuid.New()
	taskID := uuid.New()

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		check      func(t *testing.T, in command.Input)
	}{
		{
			name:       "explicit action",
			body:       `{"action":"generate.image"}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, in command.Input) {
				assert.Equal(t, command.ActionGenerateImage, in.Action)
				assert.Equal(t, owner, in.OwnerID)
			},
		},
		{
			name:       "free text",
			body:       `{"text":"a castle at dusk"}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, in command.Input) {
				assert.Empty(t, in.Action)
				assert.Equal(t, "a castle at dusk", in.Text)
			},
		},
		{
			name:       "status with task id",
			body:       `{"action":"status","task_id":"` + taskID.String() + `"}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, in command.Input) {
				assert.Equal(t, taskID, in.TaskID)
			},
		},
		{
			name:       "neither action nor text",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown action",
			body:       `{"action":"dance"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad task id",
			body:       `{"action":"status","task_id":"nope"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no task to act on",
			body:       `{"action":"cancel"}`,
			err:        command.ErrNoTask,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			interp := &recordingInterpreter{reply: &command.Reply{Text: "ok"}, err: tt.err}
			h := NewActionHandler(interp, nil)

			rec := serve(t, http.MethodPost, "/api/actions", "/api/actions", tt.body, owner, h.HandleAction)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, interp.last)
				assert.Equal(t, "ok", decode[command.Reply](t, rec).Text)
			}
		})
	}
}

// The handler drives a real interpreter through a two-step generation.
func TestHandleAction_TwoStepGeneration(t *testing.T) {
	t.Parallel()
	owner := uuid.New()
	tasks := newFakeTasks()
	interp, err := command.NewInterpreter(tasks, &fakeLedger{balance: 10}, session.NewMemoryStore(0),
		map[domain.TaskKind]command.Target{domain.KindImage: {Provider: "ark", Model: "seedream"}}, nil)
	require.NoError(t, err)
	h := NewActionHandler(interp, nil)

	rec := serve(t, http.MethodPost, "/api/actions", "/api/actions", `{"action":"generate.image"}`, owner, h.HandleAction)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[command.Reply](t, rec).AwaitingInput)

	rec = serve(t, http.MethodPost, "/api/actions", "/api/actions", `{"text":"a lighthouse"}`, owner, h.HandleAction)
	require.Equal(t, http.StatusOK, rec.Code)
	reply := decode[command.Reply](t, rec)
	require.NotNil(t, reply.Task)
	assert.Equal(t, "a lighthouse", reply.Task.Prompt)
	assert.Equal(t, "ark", tasks.lastReq.Provider)
}
