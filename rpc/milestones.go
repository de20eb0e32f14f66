package rpc

import (
	"context"
	"net/http"
	"time"

	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/storage"
)

type milestoneParams struct {
	MilestoneID string `json:"milestoneId,omitempty"`
	Name        string `json:"name,omitempty"`
}

type milestoneView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Snapshot  []byte    `json:"snapshot,omitempty"`
}

func milestoneInfoView(info storage.MilestoneInfo) milestoneView {
	return milestoneView{ID: info.ID, Name: info.Name, CreatedAt: info.CreatedAt}
}

func (p *Plane) milestoneList(ctx context.Context, call *Call) error {
	var infos, err = p.milestones.ListMilestones(ctx, call.Request.DocumentID)
	if err != nil {
		return err
	}
	var views = make([]milestoneView, 0, len(infos))
	for _, info := range infos {
		views = append(views, milestoneInfoView(info))
	}
	return call.Success(views)
}

func (p *Plane) milestoneGet(ctx context.Context, call *Call) error {
	var params milestoneParams
	if err := call.params(&params); err != nil {
		return err
	}
	var m, err = p.milestones.GetMilestone(ctx, call.Request.DocumentID, params.MilestoneID)
	if err != nil {
		return err
	}
	var view = milestoneInfoView(m.MilestoneInfo)
	view.Snapshot = m.Snapshot
	return call.Success(view)
}

// milestoneCreate snapshots the document's current content under a
// user-supplied name.
func (p *Plane) milestoneCreate(ctx context.Context, call *Call) error {
	var params milestoneParams
	if err := call.params(&params); err != nil {
		return err
	}
	if params.Name == "" {
		return Errorf(http.StatusBadRequest, "milestone name is required")
	}

	var docID = call.Request.DocumentID
	var doc, err = call.Session.Store().GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	var snapshot []byte
	if doc != nil {
		snapshot = doc.Update
	}

	m, err := p.milestones.CreateMilestone(ctx, docID, params.Name, snapshot)
	if err != nil {
		return err
	}
	if err = storage.AddDocumentMilestone(ctx, call.Session.Store(), docID, m.ID); err != nil {
		return err
	}
	return call.Success(milestoneInfoView(m.MilestoneInfo))
}

func (p *Plane) milestoneUpdateName(ctx context.Context, call *Call) error {
	var params milestoneParams
	if err := call.params(&params); err != nil {
		return err
	}
	if params.Name == "" {
		return Errorf(http.StatusBadRequest, "milestone name is required")
	}
	if err := p.milestones.UpdateMilestoneName(ctx, call.Request.DocumentID, params.MilestoneID, params.Name); err != nil {
		return err
	}
	return call.Success(nil)
}

func (p *Plane) milestoneDelete(ctx context.Context, call *Call) error {
	var params milestoneParams
	if err := call.params(&params); err != nil {
		return err
	}
	var docID = call.Request.DocumentID
	if err := p.milestones.DeleteMilestone(ctx, docID, params.MilestoneID); err != nil {
		return err
	}
	if err := storage.RemoveDocumentMilestone(ctx, call.Session.Store(), docID, params.MilestoneID); err != nil {
		return err
	}
	return call.Success(nil)
}

// milestoneRestore merges a milestone's snapshot back into the live
// document and fans it out to every connected client and peer node.
func (p *Plane) milestoneRestore(ctx context.Context, call *Call) error {
	var params milestoneParams
	if err := call.params(&params); err != nil {
		return err
	}
	var docID = call.Request.DocumentID
	var m, err = p.milestones.GetMilestone(ctx, docID, params.MilestoneID)
	if err != nil {
		return err
	}

	if len(m.Snapshot) != 0 {
		if err = call.Session.Store().HandleSyncStep2(ctx, docID, m.Snapshot); err != nil {
			return err
		}
		var restored = &message.Message{
			Type:       message.TypeDoc,
			DocumentID: docID,
			Encrypted:  call.Session.Encrypted(),
			Doc:        &message.DocPayload{Kind: message.DocSyncStep2, Update: m.Snapshot},
		}
		if _, err = message.Encode(restored); err != nil {
			return err
		}
		call.Session.Broadcast(restored, "")
		call.Session.Replicate(ctx, restored)
	}
	return call.Success(milestoneInfoView(m.MilestoneInfo))
}
