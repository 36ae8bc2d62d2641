// Package admission implements the admission adapter: a stateless
// translation layer between the platform's native admission payload
// and the policy evaluator's abstract Input/Decision. It never decodes
// a typed workload object, since the evaluator only ever needs the
// object's annotations, which admissionv1.AdmissionRequest already
// carries unparsed inside Object.Raw.
package admission

import (
	"context"
	"encoding/json"
	"fmt"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubefreezer/kubefreezer/internal/policy"
)

// Adapter translates AdmissionReview requests into policy.Input and
// policy.Decision back into AdmissionReview responses.
type Adapter struct {
	Evaluator *policy.Evaluator
}

// objectMeta is the minimal shape needed out of Object.Raw: labels are
// not needed by the evaluator, only annotations are, so this
// intentionally does not decode a typed workload scheme.
type objectMeta struct {
	Metadata struct {
		Annotations map[string]string `json:"annotations"`
	} `json:"metadata"`
}

// Review handles one AdmissionReview end to end: extract, evaluate,
// render.
func (a *Adapter) Review(ctx context.Context, review admissionv1.AdmissionReview) admissionv1.AdmissionReview {
	resp := admissionv1.AdmissionReview{
		TypeMeta: review.TypeMeta,
	}
	req := review.Request
	if req == nil {
		resp.Response = &admissionv1.AdmissionResponse{
			Allowed: false,
			Result:  &metav1.Status{Message: "admission review missing request"},
		}
		return resp
	}
	resp.Response = &admissionv1.AdmissionResponse{UID: req.UID}

	in, err := ToInput(*req)
	if err != nil {
		resp.Response.Allowed = false
		resp.Response.Result = &metav1.Status{Message: fmt.Sprintf("malformed admission request: %v", err)}
		return resp
	}

	dec := a.Evaluator.Evaluate(ctx, in)
	resp.Response.Allowed = dec.Allowed
	if dec.Reason != "" {
		resp.Response.Result = &metav1.Status{Message: dec.Reason}
	}
	return resp
}

// ToInput extracts a policy.Input from a platform admission request.
func ToInput(req admissionv1.AdmissionRequest) (policy.Input, error) {
	op, err := toOperation(req.Operation)
	if err != nil {
		return policy.Input{}, err
	}

	annotations, err := annotationsFromRaw(req.Object.Raw)
	if err != nil {
		// DELETE carries no Object; fall back to OldObject.
		annotations, err = annotationsFromRaw(req.OldObject.Raw)
		if err != nil {
			annotations = nil
		}
	}

	return policy.Input{
		Kind:         req.Kind.Kind,
		Namespace:    req.Namespace,
		ResourceName: req.Name,
		User:         req.UserInfo.Username,
		Groups:       req.UserInfo.Groups,
		Annotations:  annotations,
		Operation:    op,
	}, nil
}

func annotationsFromRaw(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty object")
	}
	var obj objectMeta
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj.Metadata.Annotations, nil
}

func toOperation(op admissionv1.Operation) (policy.Operation, error) {
	switch op {
	case admissionv1.Create:
		return policy.OperationCreate, nil
	case admissionv1.Update:
		return policy.OperationUpdate, nil
	case admissionv1.Delete:
		return policy.OperationDelete, nil
	case admissionv1.Connect:
		return policy.OperationConnect, nil
	default:
		return "", fmt.Errorf("unsupported operation: %s", op)
	}
}
