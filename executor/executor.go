package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/engine"
	"github.com/matyoung89/ComfyEndpoints/errors"
	"github.com/matyoung89/ComfyEndpoints/filestore"
	"github.com/matyoung89/ComfyEndpoints/mapper"
)

// Options tunes one Executor.
type Options struct {
	OutputTimeout time.Duration // deadline for the full artifact set
	OutputPoll    time.Duration // sleep between artifact poll ticks
	ArtifactGrace time.Duration // window after engine reports done
	AppID         string        // owner tag on generated files
	StateDBPath   string        // injected into output-node annotations
}

func (o *Options) applyDefaults() {
	if o.OutputTimeout <= 0 {
		o.OutputTimeout = 180 * time.Second
	}
	if o.OutputPoll <= 0 {
		o.OutputPoll = 1500 * time.Millisecond
	}
	if o.ArtifactGrace <= 0 {
		o.ArtifactGrace = 10 * time.Second
	}
}

// Executor runs jobs against one contract/template pair. Safe for
// concurrent use; each Execute call is one cooperative task.
type Executor struct {
	contract  *contract.WorkflowContract
	template  contract.Graph
	jobs      *JobStore
	files     *filestore.Store
	artifacts *filestore.ArtifactStore
	engine    *engine.Client
	opts      Options
	logger    *zap.SugaredLogger
}

// New creates an Executor.
func New(c *contract.WorkflowContract, template contract.Graph, jobs *JobStore,
	files *filestore.Store, artifacts *filestore.ArtifactStore, eng *engine.Client,
	opts Options, logger *zap.SugaredLogger) *Executor {
	opts.applyDefaults()
	return &Executor{
		contract:  c,
		template:  template,
		jobs:      jobs,
		files:     files,
		artifacts: artifacts,
		engine:    eng,
		opts:      opts,
		logger:    logger,
	}
}

// Execute runs one job to a terminal state. All typed failures are mapped
// to the error taxonomy on the job record; unknown panics become
// SYSTEM_ERROR.
func (e *Executor) Execute(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(jobID, fmt.Sprintf("SYSTEM_ERROR:%v", r))
		}
	}()

	if err := e.jobs.MarkRunning(jobID); err != nil {
		// Already terminal (canceled before pickup) or gone; nothing to run.
		e.logger.Debugw("Skipping job pickup", "job_id", jobID, "error", err)
		return
	}

	job, err := e.jobs.GetJob(jobID)
	if err != nil {
		e.fail(jobID, "SYSTEM_ERROR:"+err.Error())
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(job.InputPayload), &payload); err != nil {
		e.fail(jobID, "VALIDATION_ERROR:invalid_json_payload")
		return
	}

	if errMsg := e.resolveMediaInputs(payload); errMsg != "" {
		e.fail(jobID, errMsg)
		return
	}

	graph, err := mapper.BuildJobGraph(e.template, e.contract, payload,
		jobID, e.artifacts.Root(), e.opts.StateDBPath)
	if err != nil {
		var mapErr *mapper.MappingError
		if errors.As(err, &mapErr) {
			e.fail(jobID, "VALIDATION_ERROR:"+mapErr.Code)
		} else {
			e.fail(jobID, "SYSTEM_ERROR:"+err.Error())
		}
		return
	}

	promptID, err := e.engine.Submit(ctx, graph)
	if err != nil {
		e.fail(jobID, "QUEUE_ERROR:"+err.Error())
		return
	}
	e.jobs.SetPromptID(jobID, promptID)
	e.logger.Infow("Job submitted to engine", "job_id", jobID, "prompt_id", promptID)

	snapshot, errMsg := e.awaitArtifacts(ctx, jobID, promptID)
	if errMsg != "" {
		e.fail(jobID, errMsg)
		return
	}
	if snapshot == nil {
		// Canceled inside the poll loop; state already terminal.
		return
	}

	result, errMsg := e.resolveOutputs(snapshot)
	if errMsg != "" {
		e.fail(jobID, errMsg)
		return
	}

	out := &Output{PromptID: promptID, Status: StateCompleted, Result: result}
	if err := e.jobs.Complete(jobID, out); err != nil {
		e.logger.Warnw("Completion lost to earlier terminal state", "job_id", jobID, "error", err)
	}
}

// resolveMediaInputs replaces fid_ payload values of media inputs with the
// local blob path the engine can read. Returns a taxonomy error or "".
func (e *Executor) resolveMediaInputs(payload map[string]interface{}) string {
	for _, in := range e.contract.Inputs {
		if !in.Type.IsMedia() {
			continue
		}
		raw, ok := payload[in.Name].(string)
		if !ok || !strings.HasPrefix(raw, "fid_") {
			continue
		}
		rec, err := e.files.GetFile(raw)
		if err != nil {
			return "VALIDATION_ERROR:unknown_media_file_id:" + in.Name
		}
		if _, err := os.Stat(rec.StoragePath); err != nil {
			return "VALIDATION_ERROR:unknown_media_file_id:" + in.Name
		}
		payload[in.Name] = rec.StoragePath
	}
	return ""
}

// awaitArtifacts polls the artifact directory until the expected set is
// complete, the cancel flag is observed, the grace window after engine
// completion expires, or the deadline hits. Returns (snapshot, "") on
// success, (nil, "") on cancellation, (nil, taxonomy error) otherwise.
func (e *Executor) awaitArtifacts(ctx context.Context, jobID, promptID string) (map[string]interface{}, string) {
	expected := e.contract.OutputNames()
	deadline := time.Now().Add(e.opts.OutputTimeout)
	var graceDeadline time.Time

	for {
		// Cancel flag is observed at tick boundaries only.
		if canceled, _ := e.jobs.CancelRequested(jobID); canceled {
			e.cancelOnEngine(ctx, jobID, promptID)
			if err := e.jobs.Cancel(jobID); err != nil {
				e.logger.Debugw("Cancel raced a terminal state", "job_id", jobID, "error", err)
			}
			return nil, ""
		}

		present, err := e.artifacts.ReadArtifacts(jobID)
		if err != nil {
			return nil, "FILE_STORE_ERROR:" + err.Error()
		}
		missing := missingNames(expected, present)
		if len(missing) == 0 {
			return present, ""
		}

		if graceDeadline.IsZero() {
			if history, err := e.engine.History(ctx, promptID); err == nil && engine.PromptDone(history, promptID) {
				graceDeadline = time.Now().Add(e.opts.ArtifactGrace)
			}
		} else if time.Now().After(graceDeadline) {
			return nil, "MISSING_ARTIFACTS:" + strings.Join(missing, ",")
		}

		if time.Now().After(deadline) {
			return nil, "OUTPUT_TIMEOUT:missing_artifacts:" + strings.Join(missing, ",")
		}

		select {
		case <-ctx.Done():
			return nil, "SYSTEM_ERROR:executor_shutdown"
		case <-time.After(e.opts.OutputPoll):
		}
	}
}

// cancelOnEngine interrupts the running prompt and removes it from the
// engine queue, best effort.
func (e *Executor) cancelOnEngine(ctx context.Context, jobID, promptID string) {
	if err := e.engine.Interrupt(ctx); err != nil {
		e.logger.Debugw("Engine interrupt failed", "job_id", jobID, "error", err)
	}
	if err := e.engine.CancelQueued(ctx, promptID); err != nil {
		e.logger.Debugw("Engine queue delete failed", "job_id", jobID, "error", err)
	}
	e.logger.Infow("Job canceled", "job_id", jobID, "prompt_id", promptID)
}

// resolveOutputs maps the artifact snapshot to the contract result: media
// outputs must carry a file id, scalar outputs are coerced to the declared
// type.
func (e *Executor) resolveOutputs(snapshot map[string]interface{}) (map[string]interface{}, string) {
	result := make(map[string]interface{}, len(e.contract.Outputs))
	for _, out := range e.contract.Outputs {
		raw := snapshot[out.Name]
		if out.Type.IsMedia() {
			fid, errMsg := e.resolveMediaOutput(out, raw)
			if errMsg != "" {
				return nil, errMsg
			}
			result[out.Name] = fid
			continue
		}
		coerced, err := coerceScalar(out.Type, raw)
		if err != nil {
			return nil, "OUTPUT_TYPE_ERROR:" + err.Error()
		}
		result[out.Name] = coerced
	}
	return result, ""
}

// resolveMediaOutput accepts either a fid_ string written by the output
// node, or an engine media descriptor {filename, subfolder, type} which is
// fetched from the engine and registered in the file store.
func (e *Executor) resolveMediaOutput(out contract.OutputField, raw interface{}) (string, string) {
	switch v := raw.(type) {
	case string:
		if !filestore.IsFileID(v) {
			return "", "OUTPUT_TYPE_ERROR:expected_file_id:" + out.Name
		}
		if _, err := e.files.GetFile(v); err != nil {
			return "", "FILE_STORE_ERROR:unknown_generated_file:" + out.Name
		}
		return v, ""
	case map[string]interface{}:
		filename, _ := v["filename"].(string)
		subfolder, _ := v["subfolder"].(string)
		mediaDir, _ := v["type"].(string)
		if filename == "" {
			return "", "OUTPUT_TYPE_ERROR:expected_file_id:" + out.Name
		}
		data, err := e.engine.ViewMedia(context.Background(), filename, subfolder, mediaDir)
		if err != nil {
			return "", "FILE_STORE_ERROR:" + err.Error()
		}
		rec, err := e.files.CreateFile(data, string(out.Type), filestore.SourceGenerated, e.opts.AppID, filename)
		if err != nil {
			return "", "FILE_STORE_ERROR:" + err.Error()
		}
		return rec.FileID, ""
	}
	return "", "OUTPUT_TYPE_ERROR:expected_file_id:" + out.Name
}

func (e *Executor) fail(jobID, errMsg string) {
	e.logger.Warnw("Job failed", "job_id", jobID, "error", errMsg)
	if err := e.jobs.Fail(jobID, errMsg); err != nil {
		e.logger.Debugw("Failure raced a terminal state", "job_id", jobID, "error", err)
	}
}

func missingNames(expected []string, present map[string]interface{}) []string {
	var missing []string
	for _, name := range expected {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
