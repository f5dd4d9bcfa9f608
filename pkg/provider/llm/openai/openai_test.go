package openai

import (
	"strings"
	"testing"

	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// TestToSDKMessage_System checks that system role is converted correctly.
func TestToSDKMessage_System(t *testing.T) {
	param, err := toSDKMessage(types.Message{Role: "system", Content: "You are helpful."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestToSDKMessage_User checks that user role is converted correctly.
func TestToSDKMessage_User(t *testing.T) {
	param, err := toSDKMessage(types.Message{Role: "user", Content: "Hello!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestToSDKMessage_UserWithAttachments checks that vision turns become
// multi-part content.
func TestToSDKMessage_UserWithAttachments(t *testing.T) {
	param, err := toSDKMessage(types.Message{
		Role:    "user",
		Content: "What is on screen?",
		Attachments: []types.Attachment{
			{Data: "data:image/jpeg;base64,AAAA", MimeType: "image/jpeg", Slot: types.SlotScreen},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
	parts := param.OfUser.Content.OfArrayOfContentParts
	if len(parts) != 2 {
		t.Fatalf("expected text + image parts, got %d", len(parts))
	}
	if parts[1].OfImageURL == nil {
		t.Fatal("second part should be an image")
	}
	if !strings.HasPrefix(parts[1].OfImageURL.ImageURL.URL, "data:image/jpeg") {
		t.Errorf("image URL should carry the data URI, got %q", parts[1].OfImageURL.ImageURL.URL)
	}
}

// TestToSDKMessage_AssistantWithToolCalls checks tool call conversion.
func TestToSDKMessage_AssistantWithToolCalls(t *testing.T) {
	param, err := toSDKMessage(types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Berlin"}`},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(param.OfAssistant.ToolCalls))
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "get_weather" {
		t.Errorf("tool call: got ID %q name %q", tc.ID, tc.Function.Name)
	}
	if tc.Function.Arguments != `{"city":"Berlin"}` {
		t.Errorf("unexpected arguments: %s", tc.Function.Arguments)
	}
}

// TestToSDKMessage_Tool checks tool response message conversion.
func TestToSDKMessage_Tool(t *testing.T) {
	param, err := toSDKMessage(types.Message{Role: "tool", Content: "sunny", ToolCallID: "call_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfTool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if param.OfTool.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %s", param.OfTool.ToolCallID)
	}
}

// TestToSDKMessage_UnknownRole checks that unknown roles return an error.
func TestToSDKMessage_UnknownRole(t *testing.T) {
	if _, err := toSDKMessage(types.Message{Role: "unknown", Content: "test"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

// TestParams_SystemPromptAndLimits checks request translation into SDK params.
func TestParams_SystemPromptAndLimits(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.params(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages:     []types.Message{{Role: "user", Content: "Hi"}},
		Temperature:  0.7,
		MaxTokens:    256,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.Messages) != 2 || params.Messages[0].OfSystem == nil {
		t.Error("system prompt should lead the message list")
	}
	if v := params.Temperature.Or(0); v != 0.7 {
		t.Errorf("temperature: got %v, want 0.7", v)
	}
	if v := params.MaxCompletionTokens.Or(0); v != 256 {
		t.Errorf("max completion tokens: got %d, want 256", v)
	}
}

// TestNew_MissingAPIKey ensures constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_MissingModel ensures constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_Options checks that optional settings are accepted without error.
func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}
