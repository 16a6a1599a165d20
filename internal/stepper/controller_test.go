package stepper

import (
	"encoding/json"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/stepper/model"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newLoanController(t *testing.T) *Controller {
	t.Helper()
	return mustCompile(t, loanDefinition()).NewController(
		WithID("run-1"),
		WithClock(func() time.Time { return testNow }),
	)
}

func activeIDs(c *Controller) []string {
	var ids []string
	for _, s := range c.ActiveSteps() {
		ids = append(ids, s.ID)
	}
	return ids
}

func mustDo(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s error: %v", what, err)
	}
}

func wantCode(t *testing.T, err error, code string) *model.ErrorEnvelope {
	t.Helper()
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("expected *ErrorEnvelope with %s, got %T (%v)", code, err, err)
	}
	if envErr.Code != code {
		t.Fatalf("Code = %q, want %q", envErr.Code, code)
	}
	return envErr
}

// passKYC completes the KYC step and leaves the cursor on eligibility.
func passKYC(t *testing.T, c *Controller) {
	t.Helper()
	mustDo(t, "SetField", c.SetField("aadhar", "1234 5678 9012"))
	mustDo(t, "RecordUpload", c.RecordUpload("panCard", "blob://pan.pdf"))
	mustDo(t, "Advance", c.Advance())
}

// --- Construction ---

func TestNewController_startsAtFirstStep(t *testing.T) {
	c := newLoanController(t)

	if c.ID() != "run-1" {
		t.Errorf("ID = %q, want run-1", c.ID())
	}
	if c.WorkflowID() != "loan-origination" {
		t.Errorf("WorkflowID = %q", c.WorkflowID())
	}
	if c.CurrentIndex() != 0 || c.CurrentStep().ID != "kyc" {
		t.Errorf("cursor = %d (%s), want 0 (kyc)", c.CurrentIndex(), c.CurrentStep().ID)
	}
	if len(c.History()) != 0 {
		t.Errorf("History = %v, want empty", c.History())
	}
	if got := activeIDs(c); !slices.Equal(got, []string{"kyc", "eligibility", "apply"}) {
		t.Errorf("ActiveSteps = %v", got)
	}
	// Slots of gated steps are registered only once the step becomes active.
	if err := c.CheckSlot("coApplicantId"); !model.HasCode(err, model.ErrUnknownSlot) {
		t.Errorf("CheckSlot(coApplicantId) = %v, want UNKNOWN_SLOT", err)
	}
}

func TestNewController_generatesID(t *testing.T) {
	p := mustCompile(t, loanDefinition())
	a, b := p.NewController(), p.NewController()
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("generated ids %q and %q must be non-empty and distinct", a.ID(), b.ID())
	}
}

// --- SetField ---

func TestSetField_unknownKey(t *testing.T) {
	c := newLoanController(t)
	wantCode(t, c.SetField("nickname", "x"), model.ErrUnknownField)
	if len(c.Fields()) != 0 {
		t.Errorf("Fields = %v, want empty", c.Fields())
	}
}

// --- Advance ---

func TestAdvance_collectsAllFailures(t *testing.T) {
	c := newLoanController(t)
	mustDo(t, "SetField", c.SetField("aadhar", "12345"))

	envErr := wantCode(t, c.Advance(), model.ErrStepValidation)
	if len(envErr.Details) != 2 {
		t.Fatalf("Details = %v, want 2 failures", envErr.Details)
	}
	if envErr.Details[0].Field != "aadhar" || envErr.Details[0].Message != "7 more digits needed" {
		t.Errorf("Details[0] = %+v", envErr.Details[0])
	}
	if envErr.Details[1].Field != "panCard" || envErr.Details[1].Code != model.FailureDocumentMissing {
		t.Errorf("Details[1] = %+v", envErr.Details[1])
	}
	if got := c.Failures(); len(got) != 2 {
		t.Errorf("Failures = %v, want 2 entries", got)
	}
}

func TestAdvance_failureIsIdempotent(t *testing.T) {
	c := newLoanController(t)
	before := c.Snapshot()

	first := wantCode(t, c.Advance(), model.ErrStepValidation)
	afterFirst := c.Snapshot()
	second := wantCode(t, c.Advance(), model.ErrStepValidation)
	afterSecond := c.Snapshot()

	if afterFirst.CurrentIndex != before.CurrentIndex || !slices.Equal(afterFirst.History, before.History) {
		t.Error("failed Advance mutated cursor or history")
	}
	if len(first.Details) != len(second.Details) {
		t.Errorf("failure lists differ: %v vs %v", first.Details, second.Details)
	}
	b1, _ := json.Marshal(afterFirst)
	b2, _ := json.Marshal(afterSecond)
	if string(b1) != string(b2) {
		t.Errorf("repeated failing Advance changed state:\n%s\n%s", b1, b2)
	}
}

func TestAdvance_success(t *testing.T) {
	c := newLoanController(t)
	c.Advance()
	passKYC(t, c)

	if c.CurrentStep().ID != "eligibility" || c.CurrentIndex() != 1 {
		t.Errorf("current = %s@%d, want eligibility@1", c.CurrentStep().ID, c.CurrentIndex())
	}
	if !slices.Equal(c.History(), []string{"kyc"}) {
		t.Errorf("History = %v, want [kyc]", c.History())
	}
	if len(c.Failures()) != 0 {
		t.Errorf("Failures = %v, want cleared after success", c.Failures())
	}
}

func TestAdvance_requiresBoundDecision(t *testing.T) {
	c := newLoanController(t)
	passKYC(t, c)

	envErr := wantCode(t, c.Advance(), model.ErrStepValidation)
	if len(envErr.Details) != 1 || envErr.Details[0].Code != model.FailureDecisionPending {
		t.Errorf("Details = %+v, want one decision_pending", envErr.Details)
	}

	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "eligible"))
	mustDo(t, "Advance", c.Advance())
	if c.CurrentStep().ID != "co_applicant_docs" {
		t.Errorf("current = %s, want co_applicant_docs", c.CurrentStep().ID)
	}
}

func TestAdvance_rejectedDocumentBlocks(t *testing.T) {
	c := newLoanController(t)
	mustDo(t, "SetField", c.SetField("aadhar", "123456789012"))
	mustDo(t, "RecordUpload", c.RecordUpload("panCard", "blob://pan.pdf"))
	mustDo(t, "VerifyDocument", c.VerifyDocument("panCard", false, "name mismatch"))

	envErr := wantCode(t, c.Advance(), model.ErrStepValidation)
	if envErr.Details[0].Code != model.FailureDocumentRejected ||
		!strings.Contains(envErr.Details[0].Message, "name mismatch") {
		t.Errorf("Details[0] = %+v", envErr.Details[0])
	}
}

// Scenario E: advancing at the terminal step completes the run once.
func TestAdvance_terminalStep(t *testing.T) {
	c := newLoanController(t)
	passKYC(t, c)
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "not_eligible"))
	mustDo(t, "Advance", c.Advance())
	if c.CurrentStep().ID != "apply" {
		t.Fatalf("current = %s, want apply", c.CurrentStep().ID)
	}

	mustDo(t, "SetField", c.SetField("description", strings.Repeat("rooftop 5kW ", 3)))
	mustDo(t, "RecordUpload", c.RecordUpload("agreement", "blob://agreement.pdf"))

	wantCode(t, c.Advance(), model.ErrWorkflowComplete)
	if !c.Completed() {
		t.Fatal("Completed = false after terminal Advance")
	}
	before, _ := json.Marshal(c.Snapshot())
	for i := 0; i < 3; i++ {
		wantCode(t, c.Advance(), model.ErrWorkflowComplete)
	}
	after, _ := json.Marshal(c.Snapshot())
	if string(before) != string(after) {
		t.Errorf("repeated Advance at terminal changed state:\n%s\n%s", before, after)
	}
	if s := c.Summary(); s.PercentComplete != 100 || s.CompletedSteps != 3 {
		t.Errorf("Summary = %+v, want 3/3 and 100%%", s)
	}
}

func TestAdvance_terminalFlagStopsBeforeLaterSteps(t *testing.T) {
	def := model.WorkflowDefinition{
		ID:        "service-ticket",
		Decisions: []model.DecisionDefinition{{Key: "triage", Outcomes: []string{"resolved", "dispatch"}}},
		Steps: []model.StepDefinition{
			{ID: "raise", Decision: "triage"},
			{ID: "closed", ActivatedBy: &model.Activation{Decision: "triage", Outcome: "resolved"}, Terminal: true},
			{ID: "visit", ActivatedBy: &model.Activation{Decision: "triage", Outcome: "dispatch"}},
			{ID: "feedback", ActivatedBy: &model.Activation{Decision: "triage", Outcome: "dispatch"}},
		},
	}
	c := mustCompile(t, def).NewController()
	mustDo(t, "RecordDecision", c.RecordDecision("triage", "resolved"))
	mustDo(t, "Advance", c.Advance())
	wantCode(t, c.Advance(), model.ErrWorkflowComplete)
	if !c.Completed() || c.CurrentStep().ID != "closed" {
		t.Errorf("completed=%v at %s, want true at closed", c.Completed(), c.CurrentStep().ID)
	}
}

// --- Retreat ---

func TestRetreat_atStart(t *testing.T) {
	c := newLoanController(t)
	wantCode(t, c.Retreat(), model.ErrAtStart)
	if c.CurrentIndex() != 0 {
		t.Errorf("CurrentIndex = %d, want 0", c.CurrentIndex())
	}
}

func TestRetreat_doesNotRevalidate(t *testing.T) {
	c := newLoanController(t)
	passKYC(t, c)

	mustDo(t, "Retreat", c.Retreat())
	if c.CurrentStep().ID != "kyc" || len(c.History()) != 0 {
		t.Errorf("after Retreat: current=%s history=%v", c.CurrentStep().ID, c.History())
	}

	// Previously validated data is still valid.
	mustDo(t, "Advance", c.Advance())
	if c.CurrentStep().ID != "eligibility" {
		t.Errorf("current = %s, want eligibility", c.CurrentStep().ID)
	}
}

func TestRetreat_allowedWithInvalidData(t *testing.T) {
	c := newLoanController(t)
	passKYC(t, c)
	mustDo(t, "SetField", c.SetField("aadhar", "1"))
	mustDo(t, "Retreat", c.Retreat())
	if c.CurrentStep().ID != "kyc" {
		t.Errorf("current = %s, want kyc", c.CurrentStep().ID)
	}
}

func TestRetreat_reopensCompletedRun(t *testing.T) {
	def := model.WorkflowDefinition{ID: "two", Steps: []model.StepDefinition{{ID: "a"}, {ID: "b"}}}
	c := mustCompile(t, def).NewController()
	mustDo(t, "Advance", c.Advance())
	wantCode(t, c.Advance(), model.ErrWorkflowComplete)

	mustDo(t, "Retreat", c.Retreat())
	if c.Completed() {
		t.Error("Completed = true after Retreat")
	}
	if c.CurrentStep().ID != "a" {
		t.Errorf("current = %s, want a", c.CurrentStep().ID)
	}
}

// --- JumpTo ---

func TestJumpTo_historyStep(t *testing.T) {
	c := newLoanController(t)
	passKYC(t, c)
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "eligible"))
	mustDo(t, "Advance", c.Advance())

	mustDo(t, "JumpTo", c.JumpTo("kyc"))
	if c.CurrentStep().ID != "kyc" || len(c.History()) != 0 {
		t.Errorf("current=%s history=%v, want kyc and empty", c.CurrentStep().ID, c.History())
	}
}

func TestJumpTo_nextStepAdvances(t *testing.T) {
	c := newLoanController(t)
	mustDo(t, "SetField", c.SetField("aadhar", "123456789012"))
	wantCode(t, c.JumpTo("eligibility"), model.ErrStepValidation)
	if c.CurrentIndex() != 0 {
		t.Fatalf("CurrentIndex = %d after failed jump", c.CurrentIndex())
	}

	mustDo(t, "RecordUpload", c.RecordUpload("panCard", "blob://pan.pdf"))
	mustDo(t, "JumpTo", c.JumpTo("eligibility"))
	if c.CurrentStep().ID != "eligibility" {
		t.Errorf("current = %s, want eligibility", c.CurrentStep().ID)
	}
}

func TestJumpTo_illegal(t *testing.T) {
	c := newLoanController(t)
	passKYC(t, c)
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "eligible"))

	// apply is active but not the immediate successor; eligibility is current.
	for _, target := range []string{"apply", "eligibility", "nowhere"} {
		wantCode(t, c.JumpTo(target), model.ErrIllegalJump)
	}
	if c.CurrentStep().ID != "eligibility" || !slices.Equal(c.History(), []string{"kyc"}) {
		t.Errorf("illegal jumps changed state: current=%s history=%v", c.CurrentStep().ID, c.History())
	}
}

// --- Decisions and branching ---

// Scenario C: a not-eligible outcome leaves the co-applicant step inactive.
func TestRecordDecision_notEligibleBranch(t *testing.T) {
	c := newLoanController(t)
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "not_eligible"))

	if got := activeIDs(c); !slices.Equal(got, []string{"kyc", "eligibility", "apply"}) {
		t.Errorf("ActiveSteps = %v, want [kyc eligibility apply]", got)
	}
	if got := c.Summary().TotalSteps; got != 3 {
		t.Errorf("TotalSteps = %d, want 3", got)
	}
}

func TestRecordDecision_branchConsistency(t *testing.T) {
	c := newLoanController(t)
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "eligible"))
	if got := activeIDs(c); !slices.Contains(got, "co_applicant_docs") {
		t.Errorf("eligible: ActiveSteps = %v, want co_applicant_docs present", got)
	}
	if err := c.CheckSlot("coApplicantId"); err != nil {
		t.Errorf("CheckSlot(coApplicantId) = %v, want registered", err)
	}

	wantCode(t, c.RecordDecision("eligibility", "not_eligible"), model.ErrDecisionConflict)
	mustDo(t, "RecheckDecision", c.RecheckDecision("eligibility"))
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "not_eligible"))
	if got := activeIDs(c); slices.Contains(got, "co_applicant_docs") {
		t.Errorf("not_eligible: ActiveSteps = %v, want co_applicant_docs absent", got)
	}
	// Slots are never removed once registered.
	if err := c.CheckSlot("coApplicantId"); err != nil {
		t.Errorf("CheckSlot(coApplicantId) = %v after branch change", err)
	}
}

func TestRecordDecision_unknownOutcome(t *testing.T) {
	c := newLoanController(t)
	wantCode(t, c.RecordDecision("eligibility", "maybe"), model.ErrUnknownOutcome)
	wantCode(t, c.RecordDecision("credit", "high"), model.ErrUnknownDecision)
	if len(c.Decisions()) != 0 {
		t.Errorf("Decisions = %v, want none", c.Decisions())
	}
}

func TestRecheckDecision_movesCursorBack(t *testing.T) {
	c := newLoanController(t)
	passKYC(t, c)
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "eligible"))
	mustDo(t, "Advance", c.Advance())
	if c.CurrentStep().ID != "co_applicant_docs" {
		t.Fatalf("current = %s, want co_applicant_docs", c.CurrentStep().ID)
	}

	mustDo(t, "RecheckDecision", c.RecheckDecision("eligibility"))
	if c.CurrentStep().ID != "eligibility" {
		t.Errorf("current = %s, want eligibility (nearest preceding active step)", c.CurrentStep().ID)
	}
	if !slices.Equal(c.History(), []string{"kyc"}) {
		t.Errorf("History = %v, want [kyc]", c.History())
	}
	if got := activeIDs(c); !slices.Equal(got, []string{"kyc", "eligibility", "apply"}) {
		t.Errorf("ActiveSteps = %v", got)
	}
}

func TestRecheckDecision_reopensPassedResolvingStep(t *testing.T) {
	c := newLoanController(t)
	passKYC(t, c)
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "eligible"))
	mustDo(t, "Advance", c.Advance())
	mustDo(t, "RecordUpload", c.RecordUpload("coApplicantId", "blob://co.pdf"))
	mustDo(t, "Advance", c.Advance())
	if c.CurrentStep().ID != "apply" {
		t.Fatalf("current = %s, want apply", c.CurrentStep().ID)
	}

	mustDo(t, "RecheckDecision", c.RecheckDecision("eligibility"))
	if c.CurrentStep().ID != "eligibility" {
		t.Errorf("current = %s, want eligibility", c.CurrentStep().ID)
	}
	if !slices.Equal(c.History(), []string{"kyc"}) {
		t.Errorf("History = %v, want [kyc]", c.History())
	}

	// The run cannot complete until the decision is recorded again.
	mustDo(t, "SetField", c.SetField("description", strings.Repeat("x", 30)))
	mustDo(t, "RecordUpload", c.RecordUpload("agreement", "blob://agreement.pdf"))
	envErr := wantCode(t, c.Advance(), model.ErrStepValidation)
	if len(envErr.Details) != 1 || envErr.Details[0].Code != model.FailureDecisionPending {
		t.Errorf("Details = %+v, want one pending decision", envErr.Details)
	}
	if c.Completed() {
		t.Error("Completed = true with the decision cleared")
	}

	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "not_eligible"))
	mustDo(t, "Advance", c.Advance())
	wantCode(t, c.Advance(), model.ErrWorkflowComplete)
	if s := c.Summary(); s.PercentComplete != 100 || s.TotalSteps != 3 {
		t.Errorf("Summary = %+v, want 3 steps at 100%%", s)
	}
}

func TestRecordDecision_activatesStepBehindCursor(t *testing.T) {
	def := model.WorkflowDefinition{
		ID:        "project-signup",
		Decisions: []model.DecisionDefinition{{Key: "structural_check", Outcomes: []string{"required", "waived"}}},
		Steps: []model.StepDefinition{
			{ID: "customer"},
			{ID: "structural_report", ActivatedBy: &model.Activation{Decision: "structural_check", Outcome: "required"}},
			{ID: "provider"},
			{ID: "payment"},
		},
	}
	c := mustCompile(t, def).NewController()
	mustDo(t, "Advance", c.Advance())
	mustDo(t, "Advance", c.Advance())
	if c.CurrentStep().ID != "payment" {
		t.Fatalf("current = %s, want payment", c.CurrentStep().ID)
	}

	mustDo(t, "RecordDecision", c.RecordDecision("structural_check", "required"))
	if c.CurrentStep().ID != "structural_report" {
		t.Errorf("current = %s, want structural_report", c.CurrentStep().ID)
	}
	if !slices.Equal(c.History(), []string{"customer"}) {
		t.Errorf("History = %v, want [customer]", c.History())
	}
}

func TestRecordDecision_clampsCursorAtEnd(t *testing.T) {
	def := model.WorkflowDefinition{
		ID:        "kyc-extra",
		Decisions: []model.DecisionDefinition{eligibilityDecision()},
		Steps: []model.StepDefinition{
			{ID: "start", Decision: "eligibility"},
			{ID: "extra", ActivatedBy: &model.Activation{Decision: "eligibility", Outcome: "eligible"}},
		},
	}
	c := mustCompile(t, def).NewController()
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "eligible"))
	mustDo(t, "Advance", c.Advance())
	if c.CurrentIndex() != 1 {
		t.Fatalf("CurrentIndex = %d, want 1", c.CurrentIndex())
	}
	mustDo(t, "RecheckDecision", c.RecheckDecision("eligibility"))
	if c.CurrentIndex() != 0 || len(c.ActiveSteps()) != 1 {
		t.Errorf("cursor %d over %d active steps, want 0 over 1", c.CurrentIndex(), len(c.ActiveSteps()))
	}
}

// --- Documents ---

// Scenario D: uploading to an unregistered slot is rejected without side effects.
func TestRecordUpload_unknownSlot(t *testing.T) {
	c := newLoanController(t)
	before := c.Summary()

	wantCode(t, c.RecordUpload("aadharBack", "blob://x"), model.ErrUnknownSlot)
	if after := c.Summary(); after != before {
		t.Errorf("Summary changed: %+v -> %+v", before, after)
	}
}

func TestAllRequiredSatisfied_scopedToActiveSteps(t *testing.T) {
	c := newLoanController(t)
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "eligible"))
	mustDo(t, "RecordUpload", c.RecordUpload("panCard", "blob://pan.pdf"))
	mustDo(t, "RecordUpload", c.RecordUpload("agreement", "blob://agreement.pdf"))
	if c.AllRequiredSatisfied() {
		t.Error("AllRequiredSatisfied = true with coApplicantId missing")
	}

	// coApplicantId stays registered but its step is no longer active.
	mustDo(t, "RecheckDecision", c.RecheckDecision("eligibility"))
	mustDo(t, "RecordDecision", c.RecordDecision("eligibility", "not_eligible"))
	if !c.AllRequiredSatisfied() {
		t.Error("AllRequiredSatisfied = false, want slots of inactive steps ignored")
	}
	if s := c.Summary(); s.SatisfiedRequiredDocuments != s.TotalRequiredDocuments {
		t.Errorf("Summary documents = %d/%d, want all satisfied", s.SatisfiedRequiredDocuments, s.TotalRequiredDocuments)
	}
}

func TestResetDocument(t *testing.T) {
	c := newLoanController(t)
	mustDo(t, "RecordUpload", c.RecordUpload("panCard", "blob://pan.pdf"))
	mustDo(t, "ResetDocument", c.ResetDocument("panCard"))
	for _, d := range c.Documents() {
		if d.ID == "panCard" && d.Status != model.DocumentMissing {
			t.Errorf("panCard status = %s, want missing", d.Status)
		}
	}
}

// --- Invariants ---

func TestController_cursorBoundsUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	c := newLoanController(t)
	targets := []string{"kyc", "eligibility", "co_applicant_docs", "apply"}
	outcomes := []string{"eligible", "not_eligible"}

	for i := 0; i < 2000; i++ {
		switch rng.IntN(9) {
		case 0, 1:
			_ = c.Advance()
		case 2:
			_ = c.Retreat()
		case 3:
			_ = c.JumpTo(targets[rng.IntN(len(targets))])
		case 4:
			_ = c.RecordDecision("eligibility", outcomes[rng.IntN(2)])
		case 5:
			_ = c.RecheckDecision("eligibility")
		case 6:
			_ = c.SetField("aadhar", strings.Repeat("9", 10+rng.IntN(4)))
			_ = c.SetField("description", strings.Repeat("d", 25+rng.IntN(10)))
		case 7:
			for _, slot := range []string{"panCard", "coApplicantId", "agreement"} {
				_ = c.RecordUpload(slot, "blob://"+slot)
			}
		case 8:
			_ = c.ResetDocument([]string{"panCard", "coApplicantId", "agreement"}[rng.IntN(3)])
		}

		active := c.ActiveSteps()
		if c.CurrentIndex() < 0 || c.CurrentIndex() >= len(active) {
			t.Fatalf("op %d: cursor %d outside %d active steps", i, c.CurrentIndex(), len(active))
		}
		for _, id := range c.History() {
			if !slices.ContainsFunc(active, func(s model.StepDefinition) bool { return s.ID == id }) {
				t.Fatalf("op %d: history entry %q is not active", i, id)
			}
		}
		if s := c.Summary(); s.PercentComplete < 0 || s.PercentComplete > 100 {
			t.Fatalf("op %d: PercentComplete = %d", i, s.PercentComplete)
		}
	}
}
