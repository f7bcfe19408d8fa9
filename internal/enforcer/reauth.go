package enforcer

import (
	"context"

	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/internal/storage"
)

// ChargingReAuth implements Enforcer.ChargingReAuth. An initiated reauth is
// collected at once.
func (enforcer *enforcerImpl) ChargingReAuth(
	ctx context.Context,
	request model.ChargingReAuthRequest,
) (model.ChargingReAuthAnswer, error) {
	answer := model.ChargingReAuthAnswer{Result: model.ReAuthSessionNotFound}
	key := model.SessionKey{SubscriberID: request.SubscriberID, SessionID: request.SessionID}

	reauthError := enforcer.onLoopAsync(ctx, func(finish func(error)) {
		enforcer.transact(ctx, []string{key.SubscriberID},
			func(workingSet storage.SessionMap, update storage.SessionUpdate) (effects, error) {
				s, found := workingSet.Find(key)
				if !found {
					answer.Result = model.ReAuthSessionNotFound
					return nil, nil
				}
				if !s.IsActive() {
					answer.Result = model.ReAuthOtherFailure
					return nil, nil
				}

				uc := update.CriteriaFor(s)
				if request.Type == model.ChargingReAuthSingleService {
					answer.Result = s.ReauthKey(request.ChargingKey, uc)
				} else {
					answer.Result = s.ReauthAll(uc)
				}
				sessionLog(key).Infof("charging reauth (%s): %s", request.Type, answer.Result)
				if answer.Result != model.ReAuthUpdateInitiated {
					return nil, nil
				}
				return enforcer.collect([]*session.Session{s}, update, enforcer.loop.Now()), nil
			}, finish)
	})
	return answer, reauthError
}
